package main

import (
	"fmt"
	"os"

	"github.com/BTreeMap/TaskPipe/internal/auth"
	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

func (a *app) openStore() (store.Store, error) {
	if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", a.cfg.StateDir, err)
	}
	st, err := store.Open(store.WithDSN(a.cfg.StoreDSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// tokenSource prefers a configured token over the stored one.
func (a *app) tokenSource(st store.Store) auth.TokenSource {
	if a.cfg.Token != "" {
		return auth.NewStaticTokenSource(a.cfg.Token)
	}
	return auth.NewStoreTokenSource(st)
}

func (a *app) backendClient(st store.Store, opts ...backend.Option) (*backend.Client, error) {
	opts = append([]backend.Option{
		backend.WithTimeout(a.cfg.RequestTimeout),
		backend.WithUserAgent("taskpipe/" + version),
	}, opts...)
	return backend.NewClient(a.cfg.BackendURL, a.tokenSource(st), opts...)
}
