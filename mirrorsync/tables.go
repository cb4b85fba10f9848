package mirrorsync

type ColumnKind int

const (
	KindInt ColumnKind = iota
	KindDecimal
	KindText
	KindTime
	KindBool
)

type Column struct {
	Name string
	Kind ColumnKind
}

// Table describes how one table crosses the wire.
type Table struct {
	Name        string
	Columns     []Column
	ConflictKey string
	// PreserveBlank columns are never overwritten by an incoming NULL or ''.
	PreserveBlank []string
	BatchSize     int
	// Cap limits the push to the most recent rows; zero pushes everything.
	Cap int
	// Mirrored tables send an active-ID set each pass so the receiver can delete by omission.
	Mirrored bool
}

const (
	TableRequests         = "reconciliation_requests"
	TablePendingDeletions = "pending_deletions"
	TableSyncRuns         = "sync_runs"
	TableSyncErrors       = "sync_errors"

	// upper bound of bound parameters in one multi-row statement
	maxStatementParams = 30000
)

func (t Table) Key() string {
	if t.ConflictKey == "" {
		return "id"
	}
	return t.ConflictKey
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

func (t Table) HasUpdatedAt() bool {
	return t.HasColumn("updated_at")
}

func (t Table) OriginScoped() bool {
	return t.HasColumn("origin_node")
}

// KeepsOwnIds is true when rows are matched by a business key and each node assigns its own id.
func (t Table) KeepsOwnIds() bool {
	return t.Key() != "id"
}

func (t Table) ActiveIdsKey() string {
	return activeIdsKey(t.Name)
}

func activeIdsKey(table string) string {
	return "active_" + table + "_ids"
}

func cols(kind ColumnKind, names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: n, Kind: kind}
	}
	return out
}

func columns(groups ...[]Column) []Column {
	var out []Column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var timestamps = cols(KindTime, "created_at", "updated_at")

var LookupTables = []Table{
	{
		Name:      "branches",
		Columns:   columns(cols(KindInt, "id"), cols(KindText, "name", "address"), cols(KindBool, "is_active"), timestamps),
		BatchSize: 500,
	},
	{
		Name:          "cashiers",
		Columns:       columns(cols(KindInt, "id"), cols(KindText, "name", "cashier_number"), cols(KindInt, "branch_id"), cols(KindText, "pin_code"), cols(KindBool, "is_active"), timestamps),
		PreserveBlank: []string{"pin_code"},
		BatchSize:     500,
	},
	{
		Name:      "accountants",
		Columns:   columns(cols(KindInt, "id"), cols(KindText, "name"), cols(KindInt, "branch_id"), cols(KindBool, "is_active"), timestamps),
		BatchSize: 500,
	},
	{
		Name:      "atms",
		Columns:   columns(cols(KindInt, "id"), cols(KindText, "name", "bank_name", "location"), cols(KindInt, "branch_id"), cols(KindBool, "is_active"), timestamps),
		BatchSize: 500,
	},
	{
		Name:          "admins",
		Columns:       columns(cols(KindInt, "id"), cols(KindText, "name", "username", "password_hash", "role"), cols(KindBool, "is_active"), timestamps),
		ConflictKey:   "username",
		PreserveBlank: []string{"password_hash"},
		BatchSize:     200,
	},
}

var RequestsTable = Table{
	Name: TableRequests,
	Columns: columns(
		cols(KindInt, "id", "cashier_id", "accountant_id", "branch_id"),
		cols(KindDecimal, "system_sales", "total_cash", "total_bank"),
		cols(KindText, "details_json", "notes", "status"),
		cols(KindTime, "request_date"),
		cols(KindText, "origin_node"),
		timestamps,
	),
	BatchSize: 100,
}

var TransactionalTables = []Table{
	{
		Name: "reconciliations",
		Columns: columns(
			cols(KindInt, "id", "cashier_id", "accountant_id", "branch_id", "request_id"),
			cols(KindTime, "reconciliation_date"),
			cols(KindDecimal, "system_sales", "total_cash", "total_bank", "total_receipts", "surplus_deficit"),
			cols(KindText, "status", "notes", "origin_node"),
			timestamps,
		),
		BatchSize: 200,
		Mirrored:  true,
	},
	{
		Name:      "cash_receipts",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindDecimal, "denomination"), cols(KindInt, "quantity"), cols(KindDecimal, "total_amount"), cols(KindText, "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Cap:       20000,
		Mirrored:  true,
	},
	{
		Name:      "bank_receipts",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindText, "operation_type"), cols(KindInt, "atm_id"), cols(KindDecimal, "amount"), cols(KindText, "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Mirrored:  true,
	},
	{
		Name:      "postpaid_sales",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindText, "customer_name"), cols(KindDecimal, "amount"), cols(KindText, "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Mirrored:  true,
	},
	{
		Name:      "customer_receipts",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindText, "customer_name"), cols(KindDecimal, "amount"), cols(KindText, "payment_type", "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Mirrored:  true,
	},
	{
		Name:      "return_invoices",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindText, "invoice_number"), cols(KindDecimal, "amount"), cols(KindText, "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Mirrored:  true,
	},
	{
		Name:      "supplier_payments",
		Columns:   columns(cols(KindInt, "id", "reconciliation_id"), cols(KindText, "supplier_name", "invoice_number"), cols(KindDecimal, "amount"), cols(KindText, "origin_node"), cols(KindTime, "created_at")),
		BatchSize: 500,
		Mirrored:  true,
	},
	{
		Name: "manual_postpaid_sales",
		Columns: columns(
			cols(KindInt, "id"), cols(KindText, "customer_name"), cols(KindDecimal, "amount"), cols(KindInt, "branch_id"),
			cols(KindTime, "sale_date"), cols(KindText, "notes", "origin_node"), timestamps,
		),
		BatchSize: 300,
		Mirrored:  true,
	},
	{
		Name: "manual_customer_receipts",
		Columns: columns(
			cols(KindInt, "id"), cols(KindText, "customer_name"), cols(KindDecimal, "amount"), cols(KindText, "payment_type"),
			cols(KindInt, "branch_id"), cols(KindTime, "receipt_date"), cols(KindText, "notes", "origin_node"), timestamps,
		),
		BatchSize: 300,
		Mirrored:  true,
	},
}

// Registry is every table the receiver accepts, in apply order: lookups, requests, transactional.
type Registry struct {
	Lookups       []Table
	Requests      Table
	Transactional []Table
}

func DefaultRegistry() Registry {
	return Registry{Lookups: LookupTables, Requests: RequestsTable, Transactional: TransactionalTables}
}

func (r Registry) All() []Table {
	out := make([]Table, 0, len(r.Lookups)+1+len(r.Transactional))
	out = append(out, r.Lookups...)
	out = append(out, r.Requests)
	out = append(out, r.Transactional...)
	return out
}

func (r Registry) Lookup(name string) (Table, bool) {
	for _, t := range r.All() {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Without drops the named lookup and transactional tables. The requests table is always kept.
func (r Registry) Without(names ...string) Registry {
	if len(names) == 0 {
		return r
	}
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	keep := func(tables []Table) []Table {
		out := make([]Table, 0, len(tables))
		for _, t := range tables {
			if !skip[t.Name] {
				out = append(out, t)
			}
		}
		return out
	}
	return Registry{Lookups: keep(r.Lookups), Requests: r.Requests, Transactional: keep(r.Transactional)}
}

// chunkSize is how many rows of t fit one statement.
func chunkSize(t Table, columnCount int) int {
	size := t.BatchSize
	if size <= 0 {
		size = 200
	}
	if columnCount > 0 && size*columnCount > maxStatementParams {
		size = maxStatementParams / columnCount
	}
	if size < 1 {
		size = 1
	}
	return size
}
