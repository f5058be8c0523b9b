package scylla

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/db"
	"github.com/mahaj/schoolchat/pkg/store"
	"github.com/mahaj/schoolchat/pkg/store/storetest"
)

func TestScylla(t *testing.T) {
	hosts := os.Getenv("CHAT_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("CHAT_TEST_SCYLLA_HOSTS not set")
	}
	hostList := strings.Split(hosts, ",")
	const keyspace = "chat_test"
	logger := zerolog.Nop()

	if err := db.EnsureKeyspace(hostList, keyspace, 1, logger); err != nil {
		t.Fatalf("ensure keyspace: %v", err)
	}
	session, err := db.NewSession(hostList, keyspace, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := New(session)
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		if err := s.Truncate(context.Background()); err != nil {
			t.Fatal(err)
		}
		return nopClose{s}
	})
}

// nopClose keeps the shared session open across subtests.
type nopClose struct{ *Store }

func (nopClose) Close() error { return nil }
