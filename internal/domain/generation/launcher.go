package generation

import (
	"context"
	"time"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/sora"
)

// SoraLauncher — боевой Launcher: на каждую задачу поднимает отдельный
// браузерный контекст с cookies выбранного аккаунта. Контекст живёт ровно
// одну генерацию и умирает вместе с Run.Close.
type SoraLauncher struct {
	// Proxy — общий исходящий прокси (пустая строка — без прокси).
	Proxy string
	// BaseURL переопределяет адрес бэкенда в тестах.
	BaseURL      string
	PollInterval time.Duration
	GenTimeout   time.Duration
}

var _ Launcher = (*SoraLauncher)(nil)

func (l *SoraLauncher) newClient(acc *accounts.Account) (*sora.Client, error) {
	return sora.NewClient(sora.Options{
		CookiesJSON:  acc.CookiesJSON,
		Proxy:        l.Proxy,
		BaseURL:      l.BaseURL,
		PollInterval: l.PollInterval,
		GenTimeout:   l.GenTimeout,
	})
}

// Start поднимает контекст и ставит генерацию в очередь бэкенда.
func (l *SoraLauncher) Start(ctx context.Context, acc *accounts.Account, job *Job, onStage func(sora.Stage)) (Run, string, error) {
	client, err := l.newClient(acc)
	if err != nil {
		return nil, "", err
	}
	session, err := client.Submit(ctx, sora.SubmitRequest{
		Prompt:      job.Prompt,
		Orientation: sora.Orientation(job.Orientation),
		Image:       job.Image,
		Frames:      job.Frames,
		Size:        sora.Size(job.Size),
		OnStage:     onStage,
	})
	if err != nil {
		client.Close()
		return nil, "", err
	}
	return session, session.TaskID, nil
}

// Resume поднимает контекст и цепляется к уже идущей генерации.
func (l *SoraLauncher) Resume(ctx context.Context, acc *accounts.Account, taskID string) (Run, error) {
	client, err := l.newClient(acc)
	if err != nil {
		return nil, err
	}
	session, err := client.Resume(ctx, taskID)
	if err != nil {
		client.Close()
		return nil, err
	}
	return session, nil
}
