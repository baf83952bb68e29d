package config

type PostgresConfig struct {
	// libpq connection parameters, e.g. host, port, user, password, dbname, sslmode.
	Connection map[string]string `validate:"required"`
	MaxConns   int32             `validate:"gte=0"`
}
