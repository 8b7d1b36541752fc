// Package version — имя и версия сервиса для логов и CLI.
package version

const (
	Name    = "sora-bot"
	Version = "1.2.0"
)
