package devkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-erpsync/core"
)

// ValidateSystemClientConformance creates record, reads it back, updates it
// and checks that a full fetch returns it. Clients reporting marker ordered
// fetches must list markers in ascending order.
func ValidateSystemClientConformance(
	ctx context.Context,
	client core.SystemClient,
	entity core.EntityType,
	record core.CanonicalRecord,
) error {
	if client == nil {
		return fmt.Errorf("devkit: system client is required")
	}
	if !client.System().IsValid() {
		return fmt.Errorf("devkit: system client reports invalid system %q", client.System())
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("devkit: ping: %w", err)
	}
	id, err := client.CreateEntity(ctx, entity, record)
	if err != nil {
		return fmt.Errorf("devkit: create: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("devkit: create returned an empty id")
	}
	loaded, err := client.GetEntity(ctx, entity, id)
	if err != nil {
		return fmt.Errorf("devkit: get %q: %w", id, err)
	}
	if loaded.ID() != id {
		return fmt.Errorf("devkit: get returned id %q, want %q", loaded.ID(), id)
	}
	outcome, err := client.UpdateEntity(ctx, entity, id, record)
	if err != nil {
		return fmt.Errorf("devkit: update %q: %w", id, err)
	}
	if !outcome.Succeeded() {
		return fmt.Errorf("devkit: update reported outcome %q", outcome)
	}
	if _, err := client.GetEntity(ctx, entity, "devkit-missing-"+id); !core.IsNotFound(err) {
		return fmt.Errorf("devkit: get of a missing id should report not found, got %v", err)
	}

	ordered := false
	if fetcher, ok := client.(core.MarkerOrderedFetcher); ok {
		ordered = fetcher.FetchesInMarkerOrder(entity)
	}
	var (
		found    bool
		previous string
		disorder error
	)
	if _, err := core.Iterate(ctx, client, entity, core.FetchRequest{}, func(candidate core.CanonicalRecord) bool {
		if ordered && core.CompareMarkers(candidate.Marker(), previous) < 0 {
			disorder = fmt.Errorf("devkit: fetch returned marker %q after %q", candidate.Marker(), previous)
			return false
		}
		previous = candidate.Marker()
		if candidate.ID() == id {
			found = true
		}
		return true
	}); err != nil {
		return fmt.Errorf("devkit: fetch: %w", err)
	}
	if disorder != nil {
		return disorder
	}
	if !found {
		return fmt.Errorf("devkit: fetch did not return created %s %q", entity, id)
	}
	return nil
}

// ValidateIDMappingStoreConformance checks that the first binding wins.
func ValidateIDMappingStoreConformance(ctx context.Context, store core.IDMappingStore, key core.IDMappingKey) error {
	if store == nil {
		return fmt.Errorf("devkit: id mapping store is required")
	}
	if _, ok, err := store.Lookup(ctx, key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("devkit: key should start unmapped")
	}
	first, created, err := store.PutIfAbsent(ctx, key, "target-1")
	if err != nil {
		return err
	}
	if !created || first.TargetID != "target-1" {
		return fmt.Errorf("devkit: first PutIfAbsent should create the binding")
	}
	second, created, err := store.PutIfAbsent(ctx, key, "target-2")
	if err != nil {
		return err
	}
	if created || second.TargetID != "target-1" {
		return fmt.Errorf("devkit: second PutIfAbsent should return the stored binding, got %q", second.TargetID)
	}
	loaded, ok, err := store.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !ok || loaded.TargetID != "target-1" {
		return fmt.Errorf("devkit: lookup should return the first binding")
	}
	return nil
}

// ValidateCheckpointStoreConformance checks that markers never move backwards.
func ValidateCheckpointStoreConformance(ctx context.Context, store core.CheckpointStore, entity core.EntityType) error {
	if store == nil {
		return fmt.Errorf("devkit: checkpoint store is required")
	}
	const (
		later   = "2024-05-02T00:00:00Z"
		earlier = "2024-05-01T00:00:00Z"
	)
	if _, err := store.Save(ctx, core.SyncCheckpoint{EntityType: entity, Direction: core.DirectionAToB, Marker: later}); err != nil {
		return err
	}
	saved, err := store.Save(ctx, core.SyncCheckpoint{EntityType: entity, Direction: core.DirectionAToB, Marker: earlier})
	if err != nil {
		return err
	}
	if saved.Marker != later {
		return fmt.Errorf("devkit: checkpoint moved backwards to %q", saved.Marker)
	}
	loaded, ok, err := store.Get(ctx, entity, core.DirectionAToB)
	if err != nil {
		return err
	}
	if !ok || loaded.Marker != later {
		return fmt.Errorf("devkit: expected stored marker %q, got %q", later, loaded.Marker)
	}
	if _, ok, err := store.Get(ctx, entity, core.DirectionBToA); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("devkit: directions must keep separate checkpoints")
	}
	return nil
}
