package sap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/transport"
)

const sessionCookie = "B1SESSION"

// sessionAuth logs into the Service Layer lazily and attaches the session
// cookie to every request.
type sessionAuth struct {
	mu        sync.Mutex
	client    *transport.Client
	companyDB string
	username  string
	password  string
	sessionID string
}

type loginRequest struct {
	CompanyDB string `json:"CompanyDB"`
	UserName  string `json:"UserName"`
	Password  string `json:"Password"`
}

type loginResponse struct {
	SessionID      string `json:"SessionId"`
	SessionTimeout int    `json:"SessionTimeout"`
}

func (a *sessionAuth) Authorize(ctx context.Context, req *transport.Request) error {
	session, err := a.session(ctx)
	if err != nil {
		return err
	}
	req.SetHeader("Cookie", sessionCookie+"="+session)
	return nil
}

func (a *sessionAuth) Invalidate() {
	a.mu.Lock()
	a.sessionID = ""
	a.mu.Unlock()
}

func (a *sessionAuth) session(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID != "" {
		return a.sessionID, nil
	}

	var out loginResponse
	res, err := a.client.DoJSON(ctx, "login", transport.Request{
		Method:   http.MethodPost,
		URL:      "Login",
		SkipAuth: true,
	}, loginRequest{CompanyDB: a.companyDB, UserName: a.username, Password: a.password}, &out)
	if err != nil {
		return "", err
	}
	session := strings.TrimSpace(out.SessionID)
	if session == "" {
		session = cookieValue(res.Header("Set-Cookie"), sessionCookie)
	}
	if session == "" {
		return "", core.NewPermanentError(core.SystemA, "login", res.StatusCode, fmt.Errorf("providers/sap: login returned no session"))
	}
	a.sessionID = session
	return session, nil
}

func cookieValue(header string, name string) string {
	for _, part := range strings.FieldsFunc(header, func(r rune) bool { return r == ';' || r == ',' }) {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
