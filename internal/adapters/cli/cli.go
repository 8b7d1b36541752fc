// Package cli — интерактивная командная консоль для управления ботом.
// Сервис стартует фоном, читает команды из readline и показывает состояние
// пула аккаунтов и очереди генераций. Поддерживается корректная интеграция
// в lifecycle: Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/domain/generation"
	"github.com/ushan0v/sora-bot/internal/infra/logger"
	"github.com/ushan0v/sora-bot/internal/infra/pr"
	"github.com/ushan0v/sora-bot/internal/infra/storage"
	versioninfo "github.com/ushan0v/sora-bot/internal/support/version"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "accounts", description: "Print account pool with per-account counters"},
	{name: "jobs", description: "Show generation queue totals by status"},
	{name: "export", description: "Write account cookies to a file: export <id> <path>"},
	{name: "version", description: "Print bot version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	pool    *accounts.Pool
	jobs    *generation.Store
	stopApp context.CancelFunc // внешняя отмена приложения (команда exit, Ctrl-C на пустой строке)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. stopApp используется как «глобальная»
// остановка приложения.
func NewService(pool *accounts.Pool, jobs *generation.Store, stopApp context.CancelFunc) *Service {
	return &Service{pool: pool, jobs: jobs, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI: промпт, подсказки, построчное чтение
// команд до отмены контекста или EOF от readline.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду. Возвращает true, если команда
// инициирует завершение CLI ("exit").
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "help":
		printCommandHelp()
	case "accounts":
		s.handleAccounts()
	case "jobs":
		s.handleJobs()
	case "export":
		s.handleExport(fields[1:])
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleExport выгружает cookies аккаунта в файл атомарной записью — удобно,
// когда донорские cookies нужно перенести на другой инстанс.
func (s *Service) handleExport(args []string) {
	if len(args) != 2 {
		pr.Println("usage: export <account-id> <path>")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		pr.ErrPrintln("export error: bad account id:", args[0])
		return
	}
	acc, err := s.pool.Get(id)
	if err != nil {
		pr.ErrPrintln("export error:", err)
		return
	}
	if err := storage.AtomicWriteFile(args[1], acc.CookiesJSON); err != nil {
		pr.ErrPrintln("export error:", err)
		return
	}
	pr.Printf("Account #%d cookies written to %s\n", acc.ID, args[1])
}

// handleAccounts печатает пул аккаунтов со счётчиками.
func (s *Service) handleAccounts() {
	list, err := s.pool.List()
	if err != nil {
		pr.ErrPrintln("accounts error:", err)
		return
	}
	if len(list) == 0 {
		pr.Println("Account pool is empty.")
		return
	}
	for _, acc := range list {
		pr.Printf("#%d key=%s active=%d daily=%d (%s) added=%s\n",
			acc.ID, acc.Key, acc.Active, acc.DailyCount, acc.DailyDate,
			acc.CreatedAt.Format(time.RFC3339))
	}
	pr.Printf("Total accounts: %d\n", len(list))
}

// handleJobs печатает распределение задач очереди по статусам.
func (s *Service) handleJobs() {
	counts, err := s.jobs.CountByStatus()
	if err != nil {
		pr.ErrPrintln("jobs error:", err)
		return
	}
	order := []generation.Status{
		generation.StatusQueued,
		generation.StatusRunning,
		generation.StatusCompleted,
		generation.StatusFailed,
		generation.StatusCanceled,
	}
	total := 0
	for _, st := range order {
		pr.Printf("%-10s %d\n", string(st), counts[st])
		total += counts[st]
	}
	pr.Printf("Total jobs: %d\n", total)
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
