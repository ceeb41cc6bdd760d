package client_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/api"
	"github.com/xraph/sqlbatch/client"
	"github.com/xraph/sqlbatch/engine"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/store/memory"
	"github.com/xraph/sqlbatch/streamcopy"
	"github.com/xraph/sqlbatch/worker"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type copySession struct{}

func (copySession) PID() uint32 { return 1 }

func (copySession) CopyTo(_ context.Context, w io.Writer, _ string) (pgconn.CommandTag, error) {
	_, err := io.WriteString(w, "1\n2\n")
	return pgconn.NewCommandTag("COPY 2"), err
}

func (copySession) CopyFrom(_ context.Context, r io.Reader, _ string) (pgconn.CommandTag, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", bytes.Count(data, []byte("\n")))), nil
}

func (copySession) CancelRequest(context.Context) error { return nil }
func (copySession) Release(error)                       {}

// setupClientTest serves the API on a loopback listener and returns a
// client pointed at it.
func setupClientTest(t *testing.T) (*client.Client, *engine.Engine) {
	t.Helper()

	eng, err := engine.New(sqlbatch.DefaultConfig(),
		engine.WithStore(memory.New()),
		engine.WithLogger(testLogger()),
		engine.WithConnector(worker.ConnectorFunc(func(context.Context, job.DBParams) (worker.Session, error) {
			return nil, sqlbatch.ErrConnectionFailure
		})),
		engine.WithCopyConnector(streamcopy.ConnectorFunc(func(context.Context, job.DBParams) (streamcopy.Session, error) {
			return copySession{}, nil
		})),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	app := api.New(eng, api.WithLogger(testLogger())).App()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	c, err := client.New("http://"+ln.Addr().String(),
		client.WithDB(job.DBParams{Host: "db-1", Port: 5433, Name: "tenant", User: "alice", Password: "secret"}),
		client.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c, eng
}

// ── Tests ─────────────────────────────────────────────

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://nope"} {
		if _, err := client.New(raw); err == nil {
			t.Errorf("New(%q) accepted an invalid URL", raw)
		}
	}
}

func TestClient_SubmitGetCancel(t *testing.T) {
	c, eng := setupClientTest(t)
	ctx := context.Background()

	j, err := c.Submit(ctx, client.SubmitRequest{Query: []string{"SELECT 1", "SELECT 2"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusPending || len(j.Queries) != 2 || j.Host != "db-1" {
		t.Fatalf("submitted job = %+v", j)
	}

	stored, err := eng.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("engine Get: %v", err)
	}
	if stored.DB.Port != 5433 || stored.DB.Password != "secret" || stored.User != "alice" {
		t.Fatalf("tenant database not forwarded: %+v", stored.DB)
	}

	got, err := c.Get(ctx, j.ID.String())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID.String() != j.ID.String() {
		t.Fatalf("Get returned %s", got.ID)
	}

	cancelled, err := c.Cancel(ctx, j.ID.String())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestClient_Errors(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, client.SubmitRequest{})
	var fe *fiber.Error
	if !errors.As(err, &fe) || fe.Code != fiber.StatusBadRequest {
		t.Fatalf("Submit error = %v, want 400", err)
	}
	if !strings.Contains(fe.Message, "no queries") {
		t.Fatalf("message = %q", fe.Message)
	}

	missing := job.New(job.Spec{Host: "db-1", Queries: []string{"SELECT 1"}}).ID
	_, err = c.Get(ctx, missing.String())
	if !errors.As(err, &fe) || fe.Code != fiber.StatusNotFound {
		t.Fatalf("Get error = %v, want 404", err)
	}
}

func TestClient_Copy(t *testing.T) {
	c, _ := setupClientTest(t)
	ctx := context.Background()

	var out bytes.Buffer
	n, err := c.CopyTo(ctx, "COPY t TO STDOUT", &out)
	if err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if n != 4 || out.String() != "1\n2\n" {
		t.Fatalf("CopyTo wrote %d bytes: %q", n, out.String())
	}

	res, err := c.CopyFrom(ctx, "COPY t FROM STDIN", strings.NewReader("1\n2\n3\n"))
	if err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	if res.TotalRows != 3 {
		t.Fatalf("total rows = %d, want 3", res.TotalRows)
	}
}

func TestClient_Health(t *testing.T) {
	c, _ := setupClientTest(t)
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h["status"] != "healthy" {
		t.Fatalf("health = %v", h)
	}
}
