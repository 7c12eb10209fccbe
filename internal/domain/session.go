package domain

// Session is the tenant record this subsystem reads but never owns: the
// shop domain and credential needed to call the platform, plus the usage
// counter enforced at admission time.
type Session struct {
	ID          string
	Shop        string // myshopify domain, e.g. "acme.myshopify.com"
	AccessToken string

	// ScheduleCount is the number of successfully executed jobs for this
	// tenant. Monotonic; incremented exactly once per successful publish.
	ScheduleCount int
}
