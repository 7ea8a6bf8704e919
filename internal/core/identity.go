package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/google/uuid"
)

// Identity is the persistent identity of a mesh node.
type Identity struct {
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (i Identity) PeerID() protocol.PeerID {
	return protocol.PeerID(i.NodeID)
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() Identity {
	return Identity{NodeID: uuid.New().String(), CreatedAt: time.Now().UTC()}
}

// LoadOrGenerateIdentity reads the identity stored at path, creating and
// saving a new one if the file does not exist yet.
func LoadOrGenerateIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if _, err := uuid.Parse(id.NodeID); err != nil {
			return Identity{}, fmt.Errorf("identity file has invalid node id %q: %w", id.NodeID, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := GenerateIdentity()
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Identity{}, fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Identity{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, nil
}
