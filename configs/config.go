package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var loaded bool

func Config(key string) string {
	if !loaded {
		if err := godotenv.Load(".env"); err != nil {
			logrus.Warn("no .env file found, reading from system environment variables")
		}
		loaded = true
	}

	return os.Getenv(key)
}
