package ports_test

import (
	"testing"

	"github.com/target/portal-auth/internal/mocks"
	mocksauth "github.com/target/portal-auth/internal/mocks/auth"
	"github.com/target/portal-auth/internal/ports"
)

// This test only verifies that our mocks conform to the ports at compile time.
func TestMocksImplementPorts(t *testing.T) {
	t.Helper()

	var _ ports.RemoteAuthClient = (*mocksauth.MockRemoteAuth)(nil)
	var _ ports.BackupStore = (*mocksauth.MemoryBackupStore)(nil)
	var _ ports.ProcedureCaller = (*mocksauth.StaticProcedureCaller)(nil)
	var _ ports.ProcedureCaller = (*mocks.MockProcedureCaller)(nil)
	var _ ports.BackupStore = (*mocks.MockBackupStore)(nil)
}
