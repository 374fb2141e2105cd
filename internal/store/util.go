package store

import (
	"time"

	"github.com/kocoro-labs/igniter/internal/keystore"
)

func setOptions(ttl time.Duration) keystore.SetOptions {
	return keystore.SetOptions{TTL: ttl}
}
