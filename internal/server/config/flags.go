package config

import (
	"flag"
	"os"
	"time"

	"github.com/parley-chat/parley/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line
// flags.
//
// Supported flags (short forms):
//
//	-m string   metrics bind address (e.g., ":9090")
//	-d string   PostgreSQL DSN
//	-s string   access-token HMAC secret key
//	-t int      access token validity, minutes
//	-v int      verification token TTL, minutes
//	-w int      registration lock wait, milliseconds
//	-q int      write-behind queue capacity
//
// os.Args is first filtered to only the flags handled here, avoiding
// collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-m", "-d", "-s", "-t", "-v", "-w", "-q"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics bind address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidity := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")
	verificationTTL := fs.Int("v", int(config.VerificationTokenTTL.Minutes()), "verification token TTL (in minutes)")
	registrationWait := fs.Int("w", int(config.RegistrationLockWait.Milliseconds()), "registration lock wait (in milliseconds)")

	fs.IntVar(&config.WriteQueueCapacity, "q", config.WriteQueueCapacity, "write-behind queue capacity")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidity) * time.Minute
	config.VerificationTokenTTL = time.Duration(*verificationTTL) * time.Minute
	config.RegistrationLockWait = time.Duration(*registrationWait) * time.Millisecond
}
