package memory_test

import (
	"testing"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/storage/memory"
	"github.com/jmcleod/gatehouse/storage/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.CredentialStoreSuite(t, func(t *testing.T) auth.CredentialStore {
		return memory.NewStore()
	})
}

func TestMemorySessionStoreConformance(t *testing.T) {
	storetest.SessionStoreSuite(t, func(t *testing.T) auth.SessionStore {
		return auth.NewMemorySessionStore()
	})
}
