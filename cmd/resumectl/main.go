// Command resumectl is the operator CLI for accounts, credits and the
// settlement dead letter queue.
//
// Usage:
//
//	resumectl migrate
//	resumectl user create --email jane@example.com --tier pro --credits 50
//	resumectl apikey rotate --user <id>
//	resumectl token --user <id> --email jane@example.com
//	resumectl grant --user <id> --amount 10 --reason "support refund"
//	resumectl dlq depth
//	resumectl dlq replay --max 100
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/cache"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/database"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// CLI defines the command-line interface
type CLI struct {
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations."`
	User    UserCmd    `cmd:"" help:"Manage user profiles."`
	APIKey  APIKeyCmd  `cmd:"" name:"apikey" help:"Manage API keys."`
	Token   TokenCmd   `cmd:"" help:"Issue a bearer token for a user."`
	Grant   GrantCmd   `cmd:"" help:"Add credits to a user."`
	DLQ     DLQCmd     `cmd:"" name:"dlq" help:"Inspect and replay dead-lettered settlements."`

	Config   string `short:"c" help:"Path to config file." default:"config.yaml" env:"CONFIG_PATH" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn"`
}

// env is what every command needs from the configuration
type env struct {
	cfg    *config.Config
	logger *logging.Logger
}

func (cli *CLI) load() (*env, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:  cli.LogLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) repository() (*database.Repository, func(), error) {
	db, err := database.New(e.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database.NewRepository(db), db.Close, nil
}

// MigrateCmd applies pending migrations
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	db, err := database.New(e.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}

// UserCmd groups profile management
type UserCmd struct {
	Create UserCreateCmd `cmd:"" help:"Create a profile with an API key."`
}

// UserCreateCmd creates a profile
type UserCreateCmd struct {
	Email   string `required:"" help:"Account email."`
	Tier    string `help:"Tier (free, pro, enterprise)." default:"free" enum:"free,pro,enterprise"`
	Credits *int   `help:"Starting credits (defaults to the tier's monthly allotment)."`
}

func (c *UserCreateCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	tier, err := models.ParseTier(c.Tier)
	if err != nil {
		return err
	}

	credits := tier.Config().CreditsPerMonth
	if credits == models.Unlimited {
		credits = 0
	}
	if c.Credits != nil {
		credits = *c.Credits
	}

	repo, closeDB, err := e.repository()
	if err != nil {
		return err
	}
	defer closeDB()

	profile := &models.Profile{
		Email:    c.Email,
		Tier:     tier,
		Credits:  credits,
		APIKey:   newAPIKey(),
		IsActive: true,
	}
	if err := repo.CreateProfile(context.Background(), profile); err != nil {
		return err
	}

	fmt.Printf("user_id: %s\ntier:    %s\ncredits: %d\napi_key: %s\n", profile.UserID, profile.Tier, profile.Credits, profile.APIKey)
	return nil
}

func newAPIKey() string {
	return "rk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// APIKeyCmd groups API key management
type APIKeyCmd struct {
	Rotate APIKeyRotateCmd `cmd:"" help:"Issue a new API key and revoke the old one."`
}

// APIKeyRotateCmd replaces a user's API key
type APIKeyRotateCmd struct {
	User string `required:"" help:"User id."`
}

// keyRotator swaps the stored API key of a profile
type keyRotator interface {
	RotateAPIKey(ctx context.Context, userID, newKey string) (string, error)
}

// keyCache forgets cached API key owners
type keyCache interface {
	DeleteAPIKeyOwner(ctx context.Context, apiKey string) error
}

func (c *APIKeyRotateCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	repo, closeDB, err := e.repository()
	if err != nil {
		return err
	}
	defer closeDB()

	var owners keyCache
	if e.cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(e.cfg.Redis.Host, e.cfg.Redis.Port, e.cfg.Redis.Password, e.cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisCache.Close()
		owners = redisCache
	}

	key, err := rotateAPIKey(context.Background(), repo, owners, c.User)
	if err != nil {
		return err
	}
	fmt.Printf("api_key: %s\n", key)
	return nil
}

// rotateAPIKey stores a new key for userID and drops the old key from the
// owner cache so it stops authenticating immediately
func rotateAPIKey(ctx context.Context, keys keyRotator, owners keyCache, userID string) (string, error) {
	key := newAPIKey()
	previous, err := keys.RotateAPIKey(ctx, userID, key)
	if err != nil {
		return "", err
	}
	if previous != "" && owners != nil {
		if err := owners.DeleteAPIKeyOwner(ctx, previous); err != nil {
			return "", fmt.Errorf("new key stored but the old one stays cached until it expires: %w", err)
		}
	}
	return key, nil
}

// TokenCmd issues a JWT signed with the configured secret
type TokenCmd struct {
	User  string        `required:"" help:"User id."`
	Email string        `help:"Email claim."`
	TTL   time.Duration `name:"ttl" help:"Token lifetime (defaults to auth.tokenTTL)."`
}

func (c *TokenCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	if e.cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is not set")
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = e.cfg.Auth.TokenTTL
	}

	token, err := middleware.GenerateToken(e.cfg.Auth.JWTSecret, c.User, c.Email, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// GrantCmd adds credits through the ledger so the grant is logged
type GrantCmd struct {
	User   string `required:"" help:"User id."`
	Amount int    `required:"" help:"Credits to add."`
	Reason string `help:"Reason recorded in the usage log." default:"manual grant"`
}

func (c *GrantCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	repo, closeDB, err := e.repository()
	if err != nil {
		return err
	}
	defer closeDB()

	credits := ledger.New(repo, audit.New(repo, e.logger), repo, e.logger)
	result, err := credits.AddCredits(context.Background(), c.User, c.Amount, c.Reason)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("grant failed: %s", result.Error)
	}

	fmt.Printf("New balance: %d\n", result.NewBalance)
	return nil
}

// DLQCmd groups dead letter queue operations
type DLQCmd struct {
	Depth  DLQDepthCmd  `cmd:"" help:"Show how many settlements are dead-lettered."`
	Replay DLQReplayCmd `cmd:"" help:"Move dead-lettered settlements back to the retry queue."`
}

func (e *env) queue() (*queue.Queue, error) {
	if !e.cfg.Queue.Enabled {
		return nil, fmt.Errorf("queue.enabled is false")
	}
	return queue.New(e.cfg.Queue, e.logger)
}

// DLQDepthCmd prints the dead letter queue depth
type DLQDepthCmd struct{}

func (c *DLQDepthCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	q, err := e.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	depth, err := q.GetDLQDepth()
	if err != nil {
		return err
	}
	fmt.Printf("%d dead-lettered settlements\n", depth)
	return nil
}

// DLQReplayCmd republishes dead-lettered settlements with a fresh attempt
// count
type DLQReplayCmd struct {
	Max     int           `help:"Maximum number of settlements to replay." default:"100"`
	Timeout time.Duration `help:"Give up after this long." default:"30s"`
}

func (c *DLQReplayCmd) Run(cli *CLI) error {
	e, err := cli.load()
	if err != nil {
		return err
	}
	q, err := e.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	depth, err := q.GetDLQDepth()
	if err != nil {
		return err
	}
	want := depth
	if want > c.Max {
		want = c.Max
	}
	if want == 0 {
		fmt.Println("Nothing to replay")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	replayed := make(chan struct{}, want)
	err = q.ConsumeDLQ(ctx, func(task *queue.SettlementTask, reason string) error {
		if len(replayed) == cap(replayed) {
			// Leave it dead-lettered for the next run
			return fmt.Errorf("replay limit reached")
		}
		e.logger.WithOperationID(task.OperationID).Infof("Replaying settlement dead-lettered for %q", reason)
		if err := q.RetryFromDLQ(ctx, task); err != nil {
			return err
		}
		replayed <- struct{}{}
		if len(replayed) == cap(replayed) {
			cancel()
		}
		return nil
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Printf("Replayed %d of %d settlements\n", len(replayed), depth)
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("resumectl"),
		kong.Description("Operator CLI for the resume optimization API"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
