package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

// TransformKind is the closed set of conversions a mapping entry may name.
// Forward conversion runs A→B, inverse runs B→A.
type TransformKind string

const (
	TransformIdentity     TransformKind = "identity"
	TransformBooleanToken TransformKind = "boolean_token"
	TransformPrefix       TransformKind = "prefix"
	TransformStripHTML    TransformKind = "strip_html"
	TransformJSONList     TransformKind = "json_list"
	TransformToString     TransformKind = "to_string"
	TransformToInteger    TransformKind = "to_integer"
	TransformToDecimal    TransformKind = "to_decimal"
	TransformToBoolean    TransformKind = "to_boolean"
	TransformDecimal      TransformKind = "decimal"
	TransformHandle       TransformKind = "handle"
	TransformDate         TransformKind = "date"
	TransformLowercase    TransformKind = "lowercase"
	TransformUppercase    TransformKind = "uppercase"
	TransformTrim         TransformKind = "trim"
	TransformValueMap     TransformKind = "value_map"
	TransformConstant     TransformKind = "constant"
	TransformObjectList   TransformKind = "object_list"
)

var transformKinds = []TransformKind{
	TransformIdentity,
	TransformBooleanToken,
	TransformPrefix,
	TransformStripHTML,
	TransformJSONList,
	TransformToString,
	TransformToInteger,
	TransformToDecimal,
	TransformToBoolean,
	TransformDecimal,
	TransformHandle,
	TransformDate,
	TransformLowercase,
	TransformUppercase,
	TransformTrim,
	TransformValueMap,
	TransformConstant,
	TransformObjectList,
}

// TransformKinds lists every supported transform.
func TransformKinds() []TransformKind {
	return append([]TransformKind(nil), transformKinds...)
}

func (k TransformKind) IsValid() bool {
	for _, kind := range transformKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// ParseTransformKind resolves a mapping document token. Empty and "direct"
// mean identity.
func ParseTransformKind(value string) (TransformKind, error) {
	normalized := strings.TrimSpace(strings.ToLower(value))
	switch normalized {
	case "", "direct", "none":
		return TransformIdentity, nil
	case "bool_token", "yes_no":
		return TransformBooleanToken, nil
	case "to_int":
		return TransformToInteger, nil
	case "to_float":
		return TransformToDecimal, nil
	case "to_bool":
		return TransformToBoolean, nil
	case "html_to_text":
		return TransformStripHTML, nil
	}
	kind := TransformKind(normalized)
	if !kind.IsValid() {
		return "", fmt.Errorf("core: unknown transform %q", value)
	}
	return kind, nil
}

// AppliesToAbsent reports whether the transform produces a value even when
// the source field is missing.
func (k TransformKind) AppliesToAbsent() bool {
	return k == TransformConstant
}

type TransformParams map[string]any

func (p TransformParams) String(key string) string {
	if p == nil {
		return ""
	}
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	return stringify(value)
}

func (p TransformParams) Int(key string) (int, bool) {
	if p == nil {
		return 0, false
	}
	value, ok := p[key]
	if !ok || value == nil {
		return 0, false
	}
	parsed, err := toIntValue(value)
	if err != nil {
		return 0, false
	}
	return int(parsed), true
}

func (p TransformParams) Map(key string) map[string]any {
	if p == nil {
		return nil
	}
	switch typed := p[key].(type) {
	case map[string]any:
		return typed
	case map[string]string:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = v
		}
		return out
	default:
		return nil
	}
}

// TransformInput carries the value under conversion plus read-only views of
// the source record and the target fields assigned so far.
type TransformInput struct {
	Value  any
	Params TransformParams
	Source map[string]any
	Target map[string]any
}

// ValidateParams checks transform parameters at load time.
func (k TransformKind) ValidateParams(params TransformParams) error {
	switch k {
	case TransformPrefix:
		if params.String("prefix") == "" {
			return fmt.Errorf("core: prefix transform requires a prefix param")
		}
	case TransformHandle:
		if params.String("name_field") == "" {
			return fmt.Errorf("core: handle transform requires a name_field param")
		}
	case TransformValueMap:
		values := params.Map("values")
		if len(values) == 0 {
			return fmt.Errorf("core: value_map transform requires a values param")
		}
		seen := map[string]string{}
		for key, value := range values {
			rendered := stringify(value)
			if previous, dup := seen[rendered]; dup {
				return fmt.Errorf("core: value_map values %q and %q share target %q", previous, key, rendered)
			}
			seen[rendered] = key
		}
	case TransformConstant:
		if params == nil {
			return fmt.Errorf("core: constant transform requires a value param")
		}
		if _, ok := params["value"]; !ok {
			return fmt.Errorf("core: constant transform requires a value param")
		}
	case TransformJSONList:
		if raw, ok := params["max_length"]; ok {
			if limit, valid := params.Int("max_length"); !valid || limit <= 0 {
				return fmt.Errorf("core: json_list max_length must be a positive integer, got %v", raw)
			}
		}
	case TransformDecimal:
		if raw, ok := params["scale"]; ok {
			if scale, valid := params.Int("scale"); !valid || scale < 0 {
				return fmt.Errorf("core: decimal scale must be a non-negative integer, got %v", raw)
			}
		}
	case TransformObjectList:
		fields := params.Map("fields")
		if len(fields) == 0 {
			return fmt.Errorf("core: object_list transform requires a fields param")
		}
		for key, value := range fields {
			if strings.TrimSpace(key) == "" || strings.TrimSpace(stringify(value)) == "" {
				return fmt.Errorf("core: object_list fields must map non-empty names")
			}
		}
	}
	return nil
}

// Apply converts in.Value for the given pass flow. Any flow other than B→A
// uses the forward conversion.
func (k TransformKind) Apply(flow Direction, in TransformInput) (any, error) {
	inverse := flow == DirectionBToA
	switch k {
	case TransformIdentity:
		return copyFieldValue(in.Value), nil
	case TransformBooleanToken:
		return applyBooleanToken(in, inverse)
	case TransformPrefix:
		return applyPrefix(in, inverse)
	case TransformStripHTML:
		if !inverse {
			return in.Value, nil
		}
		text, err := toStringStrict(in.Value)
		if err != nil {
			return nil, err
		}
		return stripHTML(text)
	case TransformJSONList:
		if inverse {
			return encodeJSONList(in.Value, in.Params)
		}
		return decodeJSONList(in.Value)
	case TransformToString:
		return stringify(in.Value), nil
	case TransformToInteger:
		return toIntValue(in.Value)
	case TransformToDecimal:
		return toFloatValue(in.Value)
	case TransformToBoolean:
		return toBoolValue(in.Value)
	case TransformDecimal:
		return applyDecimal(in, inverse)
	case TransformHandle:
		return applyHandle(in, inverse)
	case TransformDate:
		return applyDate(in.Value, inverse)
	case TransformLowercase:
		text, err := toStringStrict(in.Value)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(text), nil
	case TransformUppercase:
		text, err := toStringStrict(in.Value)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(text), nil
	case TransformTrim:
		text, err := toStringStrict(in.Value)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(text), nil
	case TransformValueMap:
		return applyValueMap(in, inverse)
	case TransformConstant:
		return copyFieldValue(in.Params["value"]), nil
	case TransformObjectList:
		return applyObjectList(in, inverse)
	default:
		return nil, fmt.Errorf("core: unsupported transform %q", k)
	}
}

func applyBooleanToken(in TransformInput, inverse bool) (any, error) {
	trueToken := in.Params.String("true_token")
	if trueToken == "" {
		trueToken = "tYES"
	}
	falseToken := in.Params.String("false_token")
	if falseToken == "" {
		falseToken = "tNO"
	}
	if inverse {
		flag, err := toBoolValue(in.Value)
		if err != nil {
			return nil, err
		}
		if flag {
			return trueToken, nil
		}
		return falseToken, nil
	}
	if flag, ok := in.Value.(bool); ok {
		return flag, nil
	}
	token := strings.TrimSpace(stringify(in.Value))
	switch {
	case strings.EqualFold(token, trueToken):
		return true, nil
	case strings.EqualFold(token, falseToken):
		return false, nil
	default:
		return nil, fmt.Errorf("core: unknown boolean token %q", token)
	}
}

func applyPrefix(in TransformInput, inverse bool) (any, error) {
	prefix := in.Params.String("prefix")
	value := strings.TrimSpace(stringify(in.Value))
	if value == "" {
		return nil, fmt.Errorf("core: prefix transform needs a non-empty value")
	}
	if inverse {
		if strings.HasPrefix(value, prefix) {
			return value, nil
		}
		return prefix + value, nil
	}
	return strings.TrimPrefix(value, prefix), nil
}

func stripHTML(source string) (string, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(source))
	var builder strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("core: parse html: %w", err)
			}
			return collapseWhitespace(builder.String()), nil
		case html.TextToken:
			builder.Write(tokenizer.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				builder.WriteByte(' ')
			}
		}
	}
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.FieldsFunc(value, unicode.IsSpace), " ")
}

func decodeJSONList(value any) (any, error) {
	switch typed := value.(type) {
	case []any:
		return copyFieldValue(typed), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return []any{}, nil
		}
		var out []any
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("core: decode json list: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("core: json_list expects a string or list, got %T", value)
	}
}

func encodeJSONList(value any, params TransformParams) (any, error) {
	switch value.(type) {
	case []any, []string, []map[string]any:
	default:
		return nil, fmt.Errorf("core: json_list expects a list, got %T", value)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("core: encode json list: %w", err)
	}
	text := string(encoded)
	if limit, ok := params.Int("max_length"); ok && limit > 0 {
		text = truncateRunes(text, limit)
	}
	return text, nil
}

// truncateRunes cuts text to at most limit runes, matching how schema
// max_length rules count.
func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	count := 0
	for idx := range text {
		if count == limit {
			return text[:idx]
		}
		count++
	}
	return text
}

func applyDecimal(in TransformInput, inverse bool) (any, error) {
	amount, err := toDecimalValue(in.Value)
	if err != nil {
		return nil, fmt.Errorf("core: parse decimal: %w", err)
	}
	if inverse {
		out, _ := amount.Float64()
		return out, nil
	}
	scale := 2
	if configured, ok := in.Params.Int("scale"); ok {
		scale = configured
	}
	return amount.StringFixed(int32(scale)), nil
}

func applyHandle(in TransformInput, inverse bool) (any, error) {
	if inverse {
		handle := strings.TrimSpace(stringify(in.Value))
		digits := handle
		if idx := strings.IndexFunc(handle, func(r rune) bool { return !unicode.IsDigit(r) }); idx >= 0 {
			digits = handle[:idx]
		}
		if digits == "" {
			return nil, fmt.Errorf("core: handle %q has no numeric prefix", handle)
		}
		return toIntValue(digits)
	}
	number := strings.TrimSpace(stringify(in.Value))
	if number == "" {
		return nil, fmt.Errorf("core: handle transform needs a non-empty value")
	}
	name, _ := lookupPathValue(in.Source, in.Params.String("name_field"))
	slug := Slugify(stringify(name))
	if slug == "" {
		return number, nil
	}
	return number + "-" + slug, nil
}

// Slugify lowercases value and joins alphanumeric runs with single dashes.
func Slugify(value string) string {
	var builder strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			dash = false
			builder.WriteRune(r)
			continue
		}
		dash = true
	}
	return builder.String()
}

func applyDate(value any, inverse bool) (any, error) {
	var parsed time.Time
	switch typed := value.(type) {
	case time.Time:
		parsed = typed
	default:
		text, err := toStringStrict(value)
		if err != nil {
			return nil, err
		}
		parsed, err = parseDateTime(text)
		if err != nil {
			return nil, err
		}
	}
	if inverse {
		return parsed.Format(time.DateOnly), nil
	}
	return parsed.UTC().Format(time.RFC3339), nil
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func parseDateTime(value string) (time.Time, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return time.Time{}, fmt.Errorf("core: empty datetime")
	}
	for _, layout := range dateTimeLayouts {
		if parsed, err := time.Parse(layout, candidate); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("core: unparseable datetime %q", value)
}

func applyValueMap(in TransformInput, inverse bool) (any, error) {
	values := in.Params.Map("values")
	needle := stringify(in.Value)
	if !inverse {
		if mapped, ok := values[needle]; ok {
			return copyFieldValue(mapped), nil
		}
	} else {
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if stringify(values[key]) == needle {
				return key, nil
			}
		}
	}
	if fallback, ok := in.Params["default"]; ok {
		return copyFieldValue(fallback), nil
	}
	return nil, fmt.Errorf("core: value %q has no mapping", needle)
}

// applyObjectList renames keys of every object in a list. fields maps A keys
// to B keys; index_field, when set, receives the zero-based position on B→A.
func applyObjectList(in TransformInput, inverse bool) (any, error) {
	var items []map[string]any
	switch typed := in.Value.(type) {
	case []map[string]any:
		items = typed
	case []any:
		items = make([]map[string]any, 0, len(typed))
		for idx, item := range typed {
			asMap, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("core: object_list element %d is %T, not an object", idx, item)
			}
			items = append(items, asMap)
		}
	default:
		return nil, fmt.Errorf("core: object_list expects a list of objects, got %T", in.Value)
	}

	rename := map[string]string{}
	for aKey, bKey := range in.Params.Map("fields") {
		if inverse {
			rename[stringify(bKey)] = aKey
		} else {
			rename[aKey] = stringify(bKey)
		}
	}
	indexField := in.Params.String("index_field")

	out := make([]any, 0, len(items))
	for idx, item := range items {
		converted := map[string]any{}
		for from, to := range rename {
			if value, ok := item[from]; ok && value != nil {
				converted[to] = copyFieldValue(value)
			}
		}
		if inverse && indexField != "" {
			converted[indexField] = idx
		}
		out = append(out, converted)
	}
	return out, nil
}

// stringify renders scalars without exponent noise; 1032025.0 becomes "1032025".
func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case decimal.Decimal:
		return typed.String()
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return stringify(float64(typed))
	case bool:
		return strconv.FormatBool(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(value)
	}
}

// integralFloat rejects fractions instead of truncating them.
func integralFloat(value float64) (int64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value != math.Trunc(value) {
		return 0, fmt.Errorf("core: %v is not an integer", value)
	}
	if value < math.MinInt64 || value >= math.MaxInt64 {
		return 0, fmt.Errorf("core: %v overflows int64", value)
	}
	return int64(value), nil
}

func toIntValue(value any) (int64, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case uint64:
		return int64(typed), nil
	case float32:
		return integralFloat(float64(typed))
	case float64:
		return integralFloat(typed)
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed, nil
		}
		floatParsed, floatErr := typed.Float64()
		if floatErr != nil {
			return 0, fmt.Errorf("core: parse number as int: %w", err)
		}
		return integralFloat(floatParsed)
	case decimal.Decimal:
		if !typed.IsInteger() {
			return 0, fmt.Errorf("core: %s is not an integer", typed.String())
		}
		return typed.IntPart(), nil
	case string:
		candidate := strings.TrimSpace(typed)
		if candidate == "" {
			return 0, fmt.Errorf("core: empty string cannot convert to int")
		}
		parsed, err := strconv.ParseInt(candidate, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("core: parse string as int: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("core: unsupported int conversion from %T", value)
	}
}

func toFloatValue(value any) (float64, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case string:
		candidate := strings.TrimSpace(typed)
		if candidate == "" {
			return 0, fmt.Errorf("core: empty string cannot convert to float")
		}
		parsed, err := strconv.ParseFloat(candidate, 64)
		if err != nil {
			return 0, fmt.Errorf("core: parse string as float: %w", err)
		}
		return parsed, nil
	default:
		amount, err := toDecimalValue(value)
		if err != nil {
			return 0, fmt.Errorf("core: unsupported float conversion from %T", value)
		}
		out, _ := amount.Float64()
		return out, nil
	}
}

func toBoolValue(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		switch strings.TrimSpace(strings.ToLower(typed)) {
		case "true", "1", "yes", "y", "tyes":
			return true, nil
		case "false", "0", "no", "n", "tno":
			return false, nil
		default:
			return false, fmt.Errorf("core: parse string as bool: %q", typed)
		}
	default:
		number, err := toFloatValue(value)
		if err != nil {
			return false, fmt.Errorf("core: unsupported bool conversion from %T", value)
		}
		return number != 0, nil
	}
}

func toStringStrict(value any) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("core: expected string input for text transform, got %T", value)
	}
	return text, nil
}

// decodeYAMLDocument round-trips through JSON so yaml documents honour the
// json tags used by the document structs.
func decodeYAMLDocument(content []byte, out any) error {
	var generic any
	if err := yaml.Unmarshal(content, &generic); err != nil {
		return fmt.Errorf("core: decode yaml: %w", err)
	}
	encoded, err := json.Marshal(normalizeYAMLValue(generic))
	if err != nil {
		return fmt.Errorf("core: re-encode yaml: %w", err)
	}
	return json.Unmarshal(encoded, out)
}

func normalizeYAMLValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeYAMLValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[fmt.Sprint(key)] = normalizeYAMLValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = normalizeYAMLValue(item)
		}
		return out
	default:
		return value
	}
}
