// Package mocks provides gomock implementations of the auth ports.
//
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
// Hand-written doubles with behaviour (fake auth backend, in-memory stores) live in internal/mocks/auth.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	caller := mocks.NewMockProcedureCaller(ctrl)
//	caller.EXPECT().Call(gomock.Any(), "get_user_role_and_company", gomock.Any()).Return(payload, nil)
package mocks

// Generate mock for ProcedureCaller interface from internal/ports package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=procedure_caller_mock.go github.com/target/portal-auth/internal/ports ProcedureCaller

// Generate mock for BackupStore interface from internal/ports package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=backup_store_mock.go github.com/target/portal-auth/internal/ports BackupStore
