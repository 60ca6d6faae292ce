// Package provider defines the external data-provider contract and the
// resilient wrapper the core places around it.
//
// A provider is opaque to the core: the wrapper interprets nothing beyond
// the per-method destructive/monitored classification. Adapters are
// expected to return taxonomy errors ([fail.Error]); anything else is
// treated as TRANSIENT_5XX. Adapters that only see HTTP status codes can
// use [fail.KindFromHTTPStatus].
package provider

import (
	"context"
	"encoding/json"
)

// Row is one provider record.
type Row = map[string]any

// Filter selects provider records by equality on fields.
type Filter = map[string]any

// QueryOpts tunes a provider query.
type QueryOpts struct {
	Limit   int    `json:"limit,omitempty"`
	OrderBy string `json:"order_by,omitempty"`
	Desc    bool   `json:"desc,omitempty"`
}

// Capabilities enumerates optional provider features.
type Capabilities struct {
	Transactions  bool `json:"transactions"`
	SecurityRules bool `json:"security_rules"`
	Migrations    bool `json:"migrations"`
	TableDDL      bool `json:"table_ddl"`
}

// Supports reports one named capability. Unknown feature names are false.
func (c Capabilities) Supports(feature string) bool {
	switch feature {
	case "transactions":
		return c.Transactions
	case "security_rules":
		return c.SecurityRules
	case "migrations":
		return c.Migrations
	case "table_ddl":
		return c.TableDDL
	default:
		return false
	}
}

// Provider is the capability surface the core calls on an external data
// provider. Implementations must honor context cancellation on every
// blocking method.
type Provider interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	Query(ctx context.Context, table string, filter Filter, opts QueryOpts) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, filter Filter, changes Row) error
	Delete(ctx context.Context, table string, filter Filter) error

	CreateTable(ctx context.Context, table string, definition json.RawMessage) error
	DropTable(ctx context.Context, table string) error

	ApplySecurityRules(ctx context.Context, rules json.RawMessage) error
	RunMigrations(ctx context.Context) error
	AppliedMigrations(ctx context.Context) ([]string, error)

	// Capabilities is a capability query; the wrapper never instruments it.
	Capabilities() Capabilities
}
