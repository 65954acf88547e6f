package config

import "os"

func IsDebug() bool {
	return os.Getenv("MEMD_DEBUG") == "1"
}
