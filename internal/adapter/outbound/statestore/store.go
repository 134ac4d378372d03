// Package statestore persists the Policy Store's mutable state so a
// restart doesn't lose catalog/rules/revocations, backed by an embedded
// modernc.org/sqlite database -- no external database server to run for a
// single-writer control plane.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS policy_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	document TEXT NOT NULL
);`

// document is the JSON-serializable form of outbound.StoredState; maps with
// struct{} values don't marshal predictably, so revoked subjects round-trip
// as a sorted slice.
type document struct {
	Catalog             catalog.Catalog   `json:"catalog"`
	AccessRules         []accessrule.Rule `json:"access_rules"`
	RevokedSubjects     []string          `json:"revoked_subjects"`
	GovernanceInstances map[string]string `json:"governance_instances"`
}

// Store implements internal/port/outbound.StateStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open: %w", err)
	}
	// Single-writer control plane: one connection avoids sqlite's
	// per-connection ":memory:" database gotcha and any lock contention
	// between concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Load returns the persisted state, or a zero-value StoredState with a nil
// error if nothing has ever been saved (fresh deployment).
func (s *Store) Load(ctx context.Context) (outbound.StoredState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM policy_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return outbound.StoredState{
			Catalog:             catalog.Catalog{},
			GovernanceInstances: map[string]string{},
		}, nil
	}
	if err != nil {
		return outbound.StoredState{}, fmt.Errorf("statestore: load: %w", err)
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return outbound.StoredState{}, fmt.Errorf("statestore: decode: %w", err)
	}
	revoked := make(map[string]struct{}, len(doc.RevokedSubjects))
	for _, subj := range doc.RevokedSubjects {
		revoked[subj] = struct{}{}
	}
	return outbound.StoredState{
		Catalog:             doc.Catalog,
		AccessRules:         doc.AccessRules,
		RevokedSubjects:     revoked,
		GovernanceInstances: doc.GovernanceInstances,
	}, nil
}

// Save overwrites the single persisted document with state.
func (s *Store) Save(ctx context.Context, state outbound.StoredState) error {
	revoked := make([]string, 0, len(state.RevokedSubjects))
	for subj := range state.RevokedSubjects {
		revoked = append(revoked, subj)
	}
	sort.Strings(revoked)
	doc := document{
		Catalog:             state.Catalog,
		AccessRules:         state.AccessRules,
		RevokedSubjects:     revoked,
		GovernanceInstances: state.GovernanceInstances,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("statestore: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_state (id, document) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document`, string(raw))
	if err != nil {
		return fmt.Errorf("statestore: save: %w", err)
	}
	return nil
}
