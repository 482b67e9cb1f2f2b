package auth_test

import (
	"testing"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/adeilh/go-rakh-auth/internal/testutil/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) auth.AccountStore { return auth.NewMemoryStore() })
}
