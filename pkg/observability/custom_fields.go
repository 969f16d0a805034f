package observability

// FieldPID is the field value type for process ID
type FieldPID int

// FieldUsername is the field value type for username
type FieldUsername string

// FieldHostname is the field value type for hostname
type FieldHostname string
