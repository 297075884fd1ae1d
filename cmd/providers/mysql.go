package providers

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MySQL config keys.
const (
	ConfMySQLDSN          = "mysql.dsn"
	ConfMySQLMaxOpenConns = "mysql.max_open_conns"
	ConfMySQLConnLifetime = "mysql.conn_lifetime"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	// Manifest traffic per process is a handful of point reads plus the
	// occasional versioned update; keep the footprint small so a wide
	// worker array does not exhaust the server's connection budget.
	viper.SetDefault(ConfMySQLMaxOpenConns, 4)
	viper.SetDefault(ConfMySQLConnLifetime, 5*time.Minute)
}

// NewMySQL connects an SQL client to the MySQL DSN from config.
func NewMySQL(log *zap.Logger, lc fx.Lifecycle) (*sqlx.DB, error) {
	// Force Go-compatible time handling.
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.Local
	log.Info("Connecting to MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(viper.GetInt(ConfMySQLMaxOpenConns))
	db.SetConnMaxLifetime(viper.GetDuration(ConfMySQLConnLifetime))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}
