// Package storage provides the entity types and store interfaces for
// authorization server persistence.
//
// The core interfaces are:
//   - UserStore: end-user accounts
//   - ClientStore: registered OAuth clients
//   - CodeStore: authorization codes, including atomic single-use consumption
//   - TokenStore: access token records and refresh tokens
//   - ScopeStore: the scope catalog that drives claim mapping
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/postgres: database/sql storage backed by PostgreSQL
package storage
