// Package pr — унифицированный вывод в интерактивной CLI-среде.
// Инициализирует readline с отменяемым stdin и переназначает stdout/stderr на
// его буферы, чтобы печать из фоновых горутин не рвала строку ввода админ-консоли.

package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl — активный инстанс readline. Появляется после Init(); до этого nil.
	rl *readline.Instance
	// out/errOut — текущие потоки вывода. До Init() — os.Stdout/os.Stderr.
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	// mu защищает замену ссылок на writer'ы; сами записи здесь не сериализуются.
	mu sync.Mutex

	// cancelableIn — дескриптор stdin, закрытие которого прерывает чтение readline.
	cancelableIn interface{ Close() error }
)

// Init настраивает readline и перенаправляет потоки вывода на его stdout/stderr.
// Отменяемый stdin позволяет прервать ожидание ввода при shutdown.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline закрывает cancelable stdin: Readline() получает io.EOF.
// Идемпотентна.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt задаёт строку приглашения консоли. Безопасна до Init() (no-op).
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl возвращает текущий инстанс readline (nil, если Init() не вызывался).
func Rl() *readline.Instance {
	return rl
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Println печатает значения в Stdout с переводом строки. Работает и до Init().
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf форматирует строку и печатает её в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrintln печатает значения в Stderr с переводом строки.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// PP pretty-печатает значение в Stdout. Удобно для отладочных команд консоли.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
