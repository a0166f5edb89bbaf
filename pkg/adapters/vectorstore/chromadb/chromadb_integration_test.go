//go:build integration

package chromadb

import (
	"context"
	"fmt"
	"testing"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	vstore "github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
)

func TestChromaDBUpsertAndQuery(t *testing.T) {
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "ghcr.io/chroma-core/chroma:latest",
		ExposedPorts: []string{"8000/tcp"},
		WaitingFor:   wait.ForHTTP("/api/v1/heartbeat").WithPort("8000/tcp"),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("skip: cannot start chromadb: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "8000/tcp")
	if err != nil {
		t.Fatal(err)
	}
	baseURL := fmt.Sprintf("http://%s:%s", host, port.Port())

	vs, err := Factory(ctx, map[string]any{
		"base_url":          baseURL,
		"collection":        "itest-errors",
		"create_if_missing": true,
	})
	if err != nil {
		t.Fatal(err)
	}

	items := []vstore.Item{
		{ID: "evt_1", Namespace: "errors", Vector: vstore.Vector{1, 0}, Metadata: map[string]any{"sessionId": "s1"}},
		{ID: "evt_2", Namespace: "errors", Vector: vstore.Vector{0.8, 0.2}, Metadata: map[string]any{"sessionId": "s2"}},
	}
	if err := vs.Upsert(ctx, items); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	matches, err := vs.Query(ctx, vstore.Vector{1, 0}, 2, vstore.Filter{Namespace: "errors"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len=%d want 2", len(matches))
	}
	if matches[0].Item.ID != "evt_1" {
		t.Fatalf("top match=%s want evt_1", matches[0].Item.ID)
	}
}
