package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	importersNode  = "importers"
	sessionTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
	watchRetry     = 2 * time.Second
)

// ZKMembership registers importers as ephemeral znodes under
// <root>/importers and watches the set of live ones.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    string // advertised importer addr
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, localAddr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		local:    localAddr,
		logger:   slog.Default().With("component", "zk"),
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) importersPath() string {
	return m.rootPath + "/" + importersNode
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode of this importer.
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	if err := m.waitConnected(ctx); err != nil {
		return err
	}

	if err := m.ensurePath(m.importersPath()); err != nil {
		return fmt.Errorf("ensure importers path: %w", err)
	}

	nodePath := m.importersPath() + "/" + m.local
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("importer registered", "path", nodePath)
	return nil
}

// Importers reads the live importer addresses.
func (m *ZKMembership) Importers() ([]string, error) {
	children, _, err := m.conn.Children(m.importersPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// BuildRing builds a HashRing over the live importers.
func (m *ZKMembership) BuildRing(replicas int) (*HashRing, error) {
	importers, err := m.Importers()
	if err != nil {
		return nil, err
	}
	return newRing(importers, replicas), nil
}

func newRing(importers []string, replicas int) *HashRing {
	ring := NewHashRing(replicas)
	for _, n := range importers {
		ring.AddNode(n)
	}
	return ring
}

// RunWatch keeps p in sync with the live importers until ctx is done.
func (m *ZKMembership) RunWatch(ctx context.Context, p *Placement, replicas int) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.importersPath())
			if err != nil {
				m.logger.Warn("importer watch failed", "error", err)
				select {
				case <-time.After(watchRetry):
					continue
				case <-ctx.Done():
					return
				}
			}

			p.UpdateRing(newRing(children, replicas))

			select {
			case ev := <-ch:
				m.logger.Debug("importer set changed", "event", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				m.logger.Debug("importer watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}
