package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/directorybolt/submitd/internal/pipeline"
)

func TestMemoryRepositoryFiltersByCriteria(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	repo.Put(pipeline.DirectoryRecord{ID: "saas-hub", Category: "saas", DomainAuthority: 72})
	repo.Put(pipeline.DirectoryRecord{ID: "saas-list", Category: "saas", DomainAuthority: 55})
	repo.Put(pipeline.DirectoryRecord{ID: "saas-weekly", Category: "saas", DomainAuthority: 51})
	repo.Put(pipeline.DirectoryRecord{ID: "saas-small", Category: "saas", DomainAuthority: 30})
	repo.Put(pipeline.DirectoryRecord{ID: "saas-tiny", Category: "saas", DomainAuthority: 12})

	got, err := repo.ListDirectories(context.Background(), pipeline.DiscoveryCriteria{
		Industry:           "saas",
		MinDomainAuthority: 50,
		MaxResults:         5,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, d := range got {
		require.GreaterOrEqual(t, d.DomainAuthority, 50)
	}
}

func TestMemoryRepositoryIncludesGeneralDirectories(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	repo.Put(pipeline.DirectoryRecord{ID: "yellow-pages", Category: "general-directory", DomainAuthority: 80})
	repo.Put(pipeline.DirectoryRecord{ID: "law-list", Category: "legal", DomainAuthority: 60})

	got, err := repo.ListDirectories(context.Background(), pipeline.DiscoveryCriteria{Industry: "healthcare"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "yellow-pages", got[0].ID)
}

func TestMemoryRepositoryFromSeedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "directories.json")
	seed := `{"directories":[
		{"id":"prod-hunt","name":"Product Hunt","url":"https://producthunt.com",
		 "submissionUrl":"https://producthunt.com/posts/new","category":"technology",
		 "domainAuthority":91,"trafficPotential":45500,"difficulty":"hard","priority":"high",
		 "requiresLogin":true,"hasCaptcha":false}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	repo, err := NewMemoryRepositoryFromFile(path)
	require.NoError(t, err)

	d, err := repo.GetDirectory(context.Background(), "prod-hunt")
	require.NoError(t, err)
	require.Equal(t, "Product Hunt", d.Name)
	require.True(t, d.RequiresLogin)
	require.Equal(t, pipeline.DiscoveryCatalog, d.DiscoveryMethod)
}

func TestMemoryRepositoryGetMissing(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	_, err := repo.GetDirectory(context.Background(), "nope")
	require.Error(t, err)
}
