package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycore/dispatchcore/internal/pool"
)

func TestKnownModels_DedupesAndSorts(t *testing.T) {
	p := pool.NewPool()
	p.LoadAccounts([]*pool.Account{
		{
			ID: "a", Email: "a@example.com",
			QuotaSnapshot: []pool.QuotaEntry{
				{ModelName: "gemini-2.5-pro", RemainingPercent: 100},
				{ModelName: "gemini-2.5-flash", RemainingPercent: 100},
			},
		},
		{
			ID: "b", Email: "b@example.com",
			QuotaSnapshot: []pool.QuotaEntry{
				{ModelName: "gemini-2.5-pro", RemainingPercent: 50},
			},
		},
	}, 4)

	s := &Server{pool: p}
	models := s.knownModels()

	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro"}, models)
}

func TestKnownModels_EmptyPoolReturnsEmptySlice(t *testing.T) {
	p := pool.NewPool()
	s := &Server{pool: p}
	assert.Empty(t, s.knownModels())
}
