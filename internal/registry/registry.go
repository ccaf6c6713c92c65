// Package registry tracks the known capture nodes: capabilities,
// connection state, and last clock estimate. The table is persisted as
// YAML so the controller survives restarts with its fleet intact.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"capctl/internal/model"
)

// snapshot is the persisted file shape.
type snapshot struct {
	UpdatedAt time.Time  `yaml:"updated_at"`
	Nodes     []nodeInfo `yaml:"nodes"`
}

type nodeInfo struct {
	ID           string    `yaml:"id"`
	Capabilities []string  `yaml:"capabilities"`
	State        string    `yaml:"state"`
	PublicAddr   string    `yaml:"public_addr,omitempty"`
	NATType      string    `yaml:"nat_type,omitempty"`
	OffsetNS     int64     `yaml:"offset_ns"`
	Drift        float64   `yaml:"drift"`
	Synced       bool      `yaml:"synced"`
	LastSeenAt   time.Time `yaml:"last_seen_at"`
}

// Registry owns the node table. All mutation happens through its methods;
// List and Get return copies.
type Registry struct {
	mu    sync.Mutex
	path  string
	nodes map[string]*model.Node
}

// Load reads the registry file. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, nodes: make(map[string]*model.Node)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	for _, info := range snap.Nodes {
		r.nodes[info.ID] = &model.Node{
			ID:           info.ID,
			Capabilities: info.Capabilities,
			State:        model.ConnDisconnected, // connections never survive a restart
			PublicAddr:   info.PublicAddr,
			NATType:      info.NATType,
			Offset:       time.Duration(info.OffsetNS),
			Drift:        info.Drift,
			Synced:       false,
			LastSeenAt:   info.LastSeenAt,
		}
	}
	return r, nil
}

// Register creates or updates a node from its handshake. Returns true when
// the node is new.
func (r *Registry) Register(id string, capabilities []string, publicAddr, natType string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("node id required")
	}

	r.mu.Lock()
	node, exists := r.nodes[id]
	if !exists {
		node = &model.Node{ID: id}
		r.nodes[id] = node
	}
	node.Capabilities = append([]string(nil), capabilities...)
	node.State = model.ConnConnected
	node.PublicAddr = publicAddr
	node.NATType = natType
	node.LastSeenAt = time.Now().UTC()
	err := r.saveLocked()
	r.mu.Unlock()

	return !exists, err
}

// Unregister removes a node explicitly. This is the only removal path;
// disconnects and session exclusions never delete registry entries.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("node %s not registered", id)
	}
	delete(r.nodes, id)
	return r.saveLocked()
}

// SetState updates a node's connection state.
func (r *Registry) SetState(id string, state model.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.State = state
		_ = r.saveLocked()
	}
}

// SetEstimate mirrors the engine's latest estimate into the node record
// for status output and persistence.
func (r *Registry) SetEstimate(id string, est model.SyncEstimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.Offset = est.Offset
		node.Drift = est.Drift
		node.Synced = est.Confident
		if node.State == model.ConnConnected && est.Confident {
			node.State = model.ConnReady
		}
		_ = r.saveLocked()
	}
}

// Touch refreshes a node's last-seen time.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.LastSeenAt = time.Now().UTC()
	}
}

// Get returns a copy of a node record.
func (r *Registry) Get(id string) (model.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return cloneNode(node), true
}

// List returns copies of all nodes, sorted by ID.
func (r *Registry) List() []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, cloneNode(node))
	}
	slices.SortFunc(out, func(a, b model.Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// ReadyIDs returns the IDs of nodes currently connected or ready, sorted.
func (r *Registry) ReadyIDs() []string {
	ids := make([]string, 0)
	for _, node := range r.List() {
		if node.State == model.ConnConnected || node.State == model.ConnReady {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

func cloneNode(n *model.Node) model.Node {
	out := *n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	return out
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	snap := snapshot{UpdatedAt: time.Now().UTC()}
	for _, node := range r.nodes {
		snap.Nodes = append(snap.Nodes, nodeInfo{
			ID:           node.ID,
			Capabilities: node.Capabilities,
			State:        string(node.State),
			PublicAddr:   node.PublicAddr,
			NATType:      node.NATType,
			OffsetNS:     int64(node.Offset),
			Drift:        node.Drift,
			Synced:       node.Synced,
			LastSeenAt:   node.LastSeenAt,
		})
	}
	slices.SortFunc(snap.Nodes, func(a, b nodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o644)
}
