package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	token, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	s.Save("jwt-1")
	token, _ = s.Token(ctx)
	assert.Equal(t, "jwt-1", token)

	s.Clear()
	token, _ = s.Token(ctx)
	assert.Empty(t, token)
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Save("t")
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Token(context.Background())
		}()
	}
	wg.Wait()
}

func TestTokenFunc(t *testing.T) {
	fixed := TokenFunc(func(context.Context) (string, error) { return "abc", nil })
	token, err := fixed.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	failing := TokenFunc(func(context.Context) (string, error) { return "", errors.New("keychain locked") })
	_, err = failing.Token(context.Background())
	assert.EqualError(t, err, "keychain locked")
}
