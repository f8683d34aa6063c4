package openai

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey means no credential is configured. Callers skip AI processing.
var ErrNoAPIKey = errors.New("openai: no API key configured")

// KeySource returns a stored API key, or "" when none is set.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

type KeyFunc func(ctx context.Context) (string, error)

func (f KeyFunc) APIKey(ctx context.Context) (string, error) { return f(ctx) }

// StaticKey always returns key.
func StaticKey(key string) KeySource {
	return KeyFunc(func(context.Context) (string, error) { return key, nil })
}

// EnvKey reads the key from an environment variable on every call.
func EnvKey(name string) KeySource {
	return KeyFunc(func(context.Context) (string, error) {
		return strings.TrimSpace(os.Getenv(name)), nil
	})
}

// FirstKey tries sources in order and returns the first non-empty key.
func FirstKey(sources ...KeySource) KeySource {
	return KeyFunc(func(ctx context.Context) (string, error) {
		for _, src := range sources {
			if src == nil {
				continue
			}
			key, err := src.APIKey(ctx)
			if err != nil {
				return "", err
			}
			if key = strings.TrimSpace(key); key != "" {
				return key, nil
			}
		}
		return "", nil
	})
}
