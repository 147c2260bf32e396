package remoteclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/future-io/sw/internal/pkgpath"
)

func TestBuildRequestTreeNestsDottedPaths(t *testing.T) {
	req := map[pkgpath.PackagePath]string{
		"org.example.libfoo": ">=1.0.0",
	}
	tree := buildRequestTree(req)
	org, ok := tree["org"].(map[string]interface{})
	require.True(t, ok)
	example, ok := org["example"].(map[string]interface{})
	require.True(t, ok)
	libfoo, ok := example["libfoo"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ">=1.0.0", libfoo["version"])
}

func TestFindDependenciesHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/find_dependencies", r.URL.Path)
		json.NewEncoder(w).Encode(findDependenciesResponse{
			API: CurrentAPILevel,
			Packages: map[string]remotePackageRecord{
				"org.example.libfoo": {ID: 1, Version: "1.0.0", Dependencies: []int64{}},
			},
		})
	}))
	defer srv.Close()

	c := New()
	ids, err := c.FindDependencies(context.Background(), map[pkgpath.PackagePath]string{"org.example.libfoo": "1.0.0"}, Remote{Name: "test", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, ids.Len())
	dd, ok := ids.Get(1)
	require.True(t, ok)
	assert.Equal(t, pkgpath.PackagePath("org.example.libfoo"), dd.Path)
}

func TestFindDependenciesPopulatesDependencies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(findDependenciesResponse{
			API: CurrentAPILevel,
			Packages: map[string]remotePackageRecord{
				"org.example.root": {ID: 1, Version: "1.0.0", Dependencies: []int64{2}},
				"org.example.leaf": {ID: 2, Version: "2.0.0", Dependencies: []int64{}},
			},
		})
	}))
	defer srv.Close()

	c := New()
	ids, err := c.FindDependencies(context.Background(), map[pkgpath.PackagePath]string{
		"org.example.root": ">=1.0.0",
		"org.example.leaf": ">=2.0.0",
	}, Remote{Name: "test", URL: srv.URL})
	require.NoError(t, err)

	root, ok := ids.Get(1)
	require.True(t, ok)
	require.NotNil(t, root.Dependencies)
	leaf, ok := root.Dependencies["org.example.leaf"]
	require.True(t, ok)
	assert.Equal(t, int64(2), leaf.ID)
}

func TestFindDependenciesErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(findDependenciesResponse{API: CurrentAPILevel, Error: "package not found"})
	}))
	defer srv.Close()

	c := New()
	_, err := c.FindDependencies(context.Background(), map[pkgpath.PackagePath]string{"org.example.libfoo": "1.0.0"}, Remote{Name: "test", URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package not found")
}

func TestFindDependenciesUnresolvedSetFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(findDependenciesResponse{API: CurrentAPILevel, Packages: map[string]remotePackageRecord{}})
	}))
	defer srv.Close()

	c := New()
	_, err := c.FindDependencies(context.Background(), map[pkgpath.PackagePath]string{"org.example.libfoo": "1.0.0"}, Remote{Name: "test", URL: srv.URL})
	require.Error(t, err)
}

func TestFindDependenciesRejectsOldApi(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(findDependenciesResponse{API: CurrentAPILevel - 2})
	}))
	defer srv.Close()

	c := New()
	_, err := c.FindDependencies(context.Background(), map[pkgpath.PackagePath]string{"org.example.libfoo": "1.0.0"}, Remote{Name: "test", URL: srv.URL})
	require.Error(t, err)
}

func TestAddClientCallOnlyOncePerProcess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := New()
	remote := Remote{Name: "test", URL: srv.URL}
	c.AddClientCall(context.Background(), remote)
	c.AddClientCall(context.Background(), remote)
	assert.Equal(t, 1, calls)

	// A second, differently-named remote must not get its own call either:
	// the latch is per-process, not per-remote.
	other := Remote{Name: "other", URL: srv.URL}
	c.AddClientCall(context.Background(), other)
	assert.Equal(t, 1, calls)
}
