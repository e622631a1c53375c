package registry

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const defaultMongoPort = 27017

const (
	DefaultBulkSize       = 1000
	DefaultBulkExpiration = Duration(30 * time.Second)
)

const redacted = "****"

var ErrInvalidApplication = errors.New("invalid application")

var applicationNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Application is a producer registered with the server. Each one owns a
// target collection and its own bulk sizing.
type Application struct {
	Name string `json:"name" yaml:"name" groups:"public,admin"`

	MongoURI      string `json:"mongo_uri,omitempty" yaml:"mongo_uri,omitempty" groups:"admin"`
	MongoHost     string `json:"mongo_host,omitempty" yaml:"mongo_host,omitempty" groups:"public,admin"`
	MongoPort     int    `json:"mongo_port,omitempty" yaml:"mongo_port,omitempty" groups:"public,admin"`
	MongoUser     string `json:"mongo_user,omitempty" yaml:"mongo_user,omitempty" groups:"admin"`
	MongoPassword string `json:"mongo_password,omitempty" yaml:"mongo_password,omitempty" groups:"admin"`

	MongoDatabase   string `json:"mongo_database" yaml:"mongo_database" groups:"public,admin"`
	MongoCollection string `json:"mongo_collection" yaml:"mongo_collection" groups:"public,admin"`

	BulkSize       int      `json:"bulk_size" yaml:"bulk_size" groups:"public,admin"`
	BulkExpiration Duration `json:"bulk_expiration" yaml:"bulk_expiration" groups:"public,admin"`

	Filter string `json:"filter,omitempty" yaml:"filter,omitempty" groups:"public,admin"`

	CreatedAt time.Time `json:"created_at" yaml:"-" groups:"public,admin"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-" groups:"public,admin"`

	program *vm.Program
}

func (a *Application) Validate() error {
	var problems []error

	if !applicationNamePattern.MatchString(a.Name) {
		problems = append(problems, fmt.Errorf("name %q must match %s", a.Name, applicationNamePattern))
	}
	if a.MongoURI == "" && a.MongoHost == "" {
		problems = append(problems, errors.New("mongo_uri or mongo_host is required"))
	}
	if a.MongoURI != "" {
		if _, err := url.Parse(a.MongoURI); err != nil {
			problems = append(problems, fmt.Errorf("mongo_uri: %w", err))
		}
	}
	if a.MongoPort < 0 || a.MongoPort > 65535 {
		problems = append(problems, fmt.Errorf("mongo_port %d out of range", a.MongoPort))
	}
	if a.MongoDatabase == "" {
		problems = append(problems, errors.New("mongo_database is required"))
	}
	if a.MongoCollection == "" {
		problems = append(problems, errors.New("mongo_collection is required"))
	}
	if a.BulkSize <= 0 {
		problems = append(problems, errors.New("bulk_size must be positive"))
	}
	if a.BulkExpiration <= 0 {
		problems = append(problems, errors.New("bulk_expiration must be positive"))
	}

	if a.Filter != "" {
		program, err := compileFilter(a.Filter)
		if err != nil {
			problems = append(problems, fmt.Errorf("filter: %w", err))
		} else {
			a.program = program
		}
	} else {
		a.program = nil
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidApplication, a.Name, errors.Join(problems...))
	}

	return nil
}

// ConnectionURI returns the MongoDB URI for the application's target
func (a *Application) ConnectionURI() string {
	if a.MongoURI != "" {
		return a.MongoURI
	}

	port := a.MongoPort
	if port == 0 {
		port = defaultMongoPort
	}

	target := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(a.MongoHost, strconv.Itoa(port)),
		Path:   "/",
	}
	if a.MongoUser != "" {
		target.User = url.UserPassword(a.MongoUser, a.MongoPassword)
	}

	return target.String()
}

// Target identifies the Mongo deployment so clients can be shared between
// applications writing to the same place
func (a *Application) Target() string {
	return a.ConnectionURI()
}

// Redact masks the MongoDB credentials in place
func (a *Application) Redact() {
	if a.MongoPassword != "" {
		a.MongoPassword = redacted
	}
	if a.MongoURI == "" {
		return
	}

	parsed, err := url.Parse(a.MongoURI)
	if err != nil {
		a.MongoURI = redacted
		return
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		a.MongoURI = parsed.String()
	}
}

func (a *Application) Namespace() string {
	return a.MongoDatabase + "." + a.MongoCollection
}

// Accepts reports whether doc passes the application's filter. A filter
// that fails to evaluate rejects the document.
func (a *Application) Accepts(doc map[string]any) bool {
	if a.Filter == "" {
		return true
	}

	program := a.program
	if program == nil {
		var err error
		program, err = compileFilter(a.Filter)
		if err != nil {
			return false
		}
	}

	result, err := expr.Run(program, map[string]any{"doc": doc})
	if err != nil {
		return false
	}

	accepted, ok := result.(bool)
	return ok && accepted
}

func compileFilter(source string) (*vm.Program, error) {
	return expr.Compile(source,
		expr.Env(map[string]any{"doc": map[string]any{}}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}
