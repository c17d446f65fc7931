// Package wizard is the one-time setup helper: it provisions the note
// pools a client/server pair communicates through and verifies the
// session cookies still have write access to them.
package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

// ClientNotes and ServerNotes are the provisioned pool sizes.
const (
	ClientNotes = 100
	ServerNotes = 100

	createConcurrency = 10
)

// Pool is the persisted note id assignment, serialized to
// data/yanotes_pool.json.
type Pool struct {
	ClientPool []string `json:"client_pool"`
	ServerPool []string `json:"server_pool"`
}

// LoadPool reads a previously saved Pool from path.
func LoadPool(path string) (*Pool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("wizard: decode pool file %s: %w", path, err)
	}
	return &p, nil
}

// SavePool writes p to path as indented JSON, creating parent
// directories as needed.
func SavePool(path string, p *Pool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wizard: create pool directory: %w", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("wizard: encode pool file: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// AccessStatus summarizes CheckAccess's verdict for the two pools. The
// sentinel strings match the legacy setup tooling's output so existing
// provisioning scripts keep parsing.
type AccessStatus string

const (
	StatusNoPool     AccessStatus = "NO_POOL"
	StatusAccessOK   AccessStatus = "ACCESS_OK"
	StatusClientOnly AccessStatus = "ACCESS_CLIENT_ONLY"
	StatusServerOnly AccessStatus = "ACCESS_SERVER_ONLY"
	StatusAccessNone AccessStatus = "ACCESS_NONE"
)

// CheckAccess loads poolPath and PATCHes the first note of each pool with
// an innocuous title to confirm the session still has write access.
func CheckAccess(ctx context.Context, client yanotes.Client, poolPath string) (AccessStatus, *Pool, error) {
	pool, err := LoadPool(poolPath)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusNoPool, nil, nil
		}
		return "", nil, err
	}

	clientOK := len(pool.ClientPool) > 0 && checkOne(ctx, client, pool.ClientPool[0])
	serverOK := len(pool.ServerPool) > 0 && checkOne(ctx, client, pool.ServerPool[0])

	switch {
	case clientOK && serverOK:
		return StatusAccessOK, pool, nil
	case clientOK:
		return StatusClientOnly, pool, nil
	case serverOK:
		return StatusServerOnly, pool, nil
	default:
		return StatusAccessNone, pool, nil
	}
}

func checkOne(ctx context.Context, client yanotes.Client, noteID string) bool {
	err := client.PatchNote(ctx, noteID, "access_check", "")
	return err == nil
}

// CreatePools provisions ClientNotes client-role notes and ServerNotes
// server-role notes with bounded concurrency, and saves the result to
// poolPath. It mirrors create_notes's asyncio.Semaphore(10) with an
// errgroup.Group capped via SetLimit.
func CreatePools(ctx context.Context, client yanotes.Client, poolPath string, logger *logrus.Logger) (*Pool, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logger.Infof("wizard: creating %d client notes and %d server notes", ClientNotes, ServerNotes)

	clientIDs, err := createNotes(ctx, client, ClientNotes, "client", logger)
	if err != nil {
		return nil, fmt.Errorf("wizard: create client notes: %w", err)
	}
	logger.Infof("wizard: created %d client notes", len(clientIDs))

	serverIDs, err := createNotes(ctx, client, ServerNotes, "server", logger)
	if err != nil {
		return nil, fmt.Errorf("wizard: create server notes: %w", err)
	}
	logger.Infof("wizard: created %d server notes", len(serverIDs))

	if len(clientIDs) < ClientNotes || len(serverIDs) < ServerNotes {
		return nil, fmt.Errorf("wizard: failed to create all notes (client %d/%d, server %d/%d)",
			len(clientIDs), ClientNotes, len(serverIDs), ServerNotes)
	}

	pool := &Pool{ClientPool: clientIDs, ServerPool: serverIDs}
	if err := SavePool(poolPath, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func createNotes(ctx context.Context, client yanotes.Client, count int, prefix string, logger *logrus.Logger) ([]string, error) {
	ids := make([]string, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(createConcurrency)

	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			title := fmt.Sprintf("%s_%03d", prefix, i+1)
			id, err := client.CreateNote(gctx, title)
			if err != nil {
				logger.WithError(err).WithField("title", title).Warn("wizard: create note failed")
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, count)
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}
