package config

import "github.com/joho/godotenv"

// LoadEnv loads variables from a .env file in the working directory.
// Variables already set in the environment win. The error wraps
// os.ErrNotExist when there is no .env file, which callers may ignore.
func LoadEnv() error {
	return godotenv.Load()
}
