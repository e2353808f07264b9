package out

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
)

// FileKeyStore keeps the node private key as hex in a single file.
type FileKeyStore struct {
	path string
}

func NewFileKeyStore(path string) subfieldout.KeyStore {
	return &FileKeyStore{path: path}
}

func (s *FileKeyStore) LoadOrCreate(_ context.Context) (domain.Keypair, bool, error) {
	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		priv, err := domain.ParseV256(strings.TrimSpace(string(raw)))
		if err != nil {
			return domain.Keypair{}, false, fmt.Errorf("decode identity %s: %w", s.path, err)
		}
		kp, err := domain.KeypairFromPrivate(priv)
		return kp, false, err
	case !os.IsNotExist(err):
		return domain.Keypair{}, false, fmt.Errorf("read identity: %w", err)
	}

	kp, err := domain.NewKeypair()
	if err != nil {
		return domain.Keypair{}, false, err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.Keypair{}, false, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(kp.PrivateKey.String()+"\n"), 0o600); err != nil {
		return domain.Keypair{}, false, fmt.Errorf("write identity: %w", err)
	}
	return kp, true, nil
}
