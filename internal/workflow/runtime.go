package workflow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
)

// Config holds DBOS runtime configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for DBOS state storage.
	DatabaseURL string

	// AppName identifies this application in DBOS.
	AppName string

	// QueueName is the queue recognition executions are enqueued on.
	// Defaults to "recognition".
	QueueName string

	// Concurrency bounds concurrently running recognitions per worker.
	// Defaults to 4.
	Concurrency int

	// StepMaxRetries is how often a failing step is retried before the
	// execution aborts. Defaults to 3.
	StepMaxRetries int

	// UploadWaitingTime is how long the upload tracking workflow waits
	// before checking the object store.
	UploadWaitingTime time.Duration
}

// WithDefaults fills in default values for optional fields.
func (c *Config) WithDefaults() {
	if c.QueueName == "" {
		c.QueueName = "recognition"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.StepMaxRetries == 0 {
		c.StepMaxRetries = 3
	}
	if c.UploadWaitingTime == 0 {
		c.UploadWaitingTime = time.Minute
	}
}

// Runtime owns the DBOS context, the bounded recognition queue and a handle
// on the system database. Its lifetime ends with Shutdown, not with the
// context it was created from.
type Runtime struct {
	dbosContext dbos.DBOSContext
	config      Config
	db          *sql.DB
	stop        context.CancelFunc
}

// NewRuntime creates a DBOS runtime. It does not start workers; register
// workflows first and call Launch afterwards.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}
	cfg.WithDefaults()

	base, stop := detach(ctx)
	dbosCtx, err := dbos.NewDBOSContext(base, dbos.Config{
		DatabaseURL: cfg.DatabaseURL,
		AppName:     cfg.AppName,
	})
	if err != nil {
		stop()
		return nil, err
	}

	// Upload tracking is not enqueued: sleeping executions count against the
	// worker limit.
	dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName, dbos.WithWorkerConcurrency(cfg.Concurrency))

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		stop()
		return nil, err
	}

	return &Runtime{
		dbosContext: dbosCtx,
		config:      cfg,
		db:          db,
		stop:        stop,
	}, nil
}

// detach derives the runtime base context from ctx. Values are kept while
// deadlines and cancellation are dropped; the returned cancel ends it.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(ctx))
}

// Launch starts the DBOS runtime and its queue workers.
func (r *Runtime) Launch() error {
	return dbos.Launch(r.dbosContext)
}

// Shutdown stops the workers, waiting up to timeout for running executions,
// then releases the base context and the database handle.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	r.stop()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Context returns the DBOS context.
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// Config returns the effective configuration.
func (r *Runtime) Config() Config {
	return r.config
}

// DB returns the handle on the DBOS system database.
func (r *Runtime) DB() *sql.DB {
	return r.db
}
