// ABOUTME: Matrix E2EE wiring for the bridge account
// ABOUTME: Backs the mautrix crypto helper with a per-user SQLite store

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// encryption owns the crypto helper lifecycle for one logged-in account.
type encryption struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// setupEncryption attaches an E2EE helper to the client. Each account
// gets its own SQLite store under dataDir, so two bridge accounts on
// one host never share keys.
func setupEncryption(ctx context.Context, client *mautrix.Client, userID, recoveryKey, dataDir string, logger *slog.Logger) (*encryption, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "matrix-crypto-"+accountSlug(userID)+".db")
	logger.Info("setting up encryption", "db", dbPath)

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	// Outgoing messages encrypt automatically once the client sees the
	// helper.
	client.Crypto = helper

	e := &encryption{helper: helper, logger: logger}
	if recoveryKey == "" {
		logger.Info("encryption initialized (no recovery key, cross-signing disabled)")
		return e, nil
	}

	// Cross-signing is best effort; room encryption works without it.
	if err := e.verify(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
		return e, nil
	}
	logger.Info("encryption initialized with cross-signing verification")
	return e, nil
}

func (e *encryption) verify(ctx context.Context, recoveryKey string) error {
	machine := e.helper.Machine()
	if machine == nil {
		return fmt.Errorf("crypto machine not initialized")
	}
	return machine.VerifyWithRecoveryKey(ctx, recoveryKey)
}

func (e *encryption) Close() error {
	if e.helper != nil {
		return e.helper.Close()
	}
	return nil
}

// accountSlug flattens a Matrix user id into a filesystem-safe name:
// @clawbot:matrix.org becomes clawbot_matrix.org.
func accountSlug(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		case r == ':':
			return '_'
		}
		return -1
	}, strings.TrimPrefix(userID, "@"))
}

// storeKey derives the store encryption key deterministically from the
// user id, so the store reopens across restarts without an external
// secret.
func storeKey(userID string) []byte {
	sum := sha256.Sum256([]byte("clawbridge-matrix-crypto:" + userID))
	return sum[:]
}
