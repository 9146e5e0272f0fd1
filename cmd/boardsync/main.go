// Точка входа boardsync — зеркало досок удалённой SaaS-системы.
// Переменные окружения можно положить в .env рядом с бинарником.
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/arunponnappan/boardsync/cmd/boardsync/app"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Не удалось прочитать .env", slog.String("error", err.Error()))
	}

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
