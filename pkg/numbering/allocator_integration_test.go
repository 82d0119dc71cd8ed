//go:build integration

package numbering

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/storage/storagetest"
)

func TestAllocator_PostgresConcurrentTransactions(t *testing.T) {
	db := storagetest.NewPostgresDB(t)
	a := NewAllocator(nil, nil)

	const callers = 64
	var (
		mu      sync.Mutex
		numbers []int64
		wg      sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			tx, err := db.BeginTx(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			n, err := a.NextNumber(ctx, tx, FamilyInvoice, 2024)
			if !assert.NoError(t, err) {
				tx.Rollback()
				return
			}
			require.NoError(t, tx.Commit())
			mu.Lock()
			numbers = append(numbers, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	require.Len(t, numbers, callers)
	for i, n := range numbers {
		assert.Equal(t, int64(i+1), n)
	}
}
