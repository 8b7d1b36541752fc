// Package generation реализует постоянную очередь генераций: задачи живут в
// bbolt и переживают рестарт процесса, исполняются пулом воркеров с жёстким
// потолком параллелизма, а прогресс транслируется в чат через Notifier.
package generation

import "time"

// Status — статус задачи в очереди.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Request — заявка пользователя на генерацию. Фиксирует настройки на момент
// постановки: последующие изменения настроек на задачу не влияют.
type Request struct {
	UserID      int64  `json:"user_id"`
	ChatID      int64  `json:"chat_id"`
	Prompt      string `json:"prompt"`
	Orientation string `json:"orientation"`
	Frames      int    `json:"frames"`
	Size        string `json:"size"`
	// Image — стартовый кадр. Обнуляется после терминального статуса,
	// чтобы не распухала база.
	Image []byte `json:"image,omitempty"`
	// WaitMessageID — статусное сообщение в чате, которое редактируется
	// по ходу генерации. Ноль — сообщения нет (его удалили).
	WaitMessageID int `json:"wait_message_id"`
}

// Job — задача очереди со служебным состоянием исполнения.
type Job struct {
	ID     uint64 `json:"id"`
	Status Status `json:"status"`
	Request

	// TaskID и AccountID заполняются после принятия генерации бэкендом;
	// по ним задача возобновляется после рестарта.
	TaskID    string `json:"task_id,omitempty"`
	AccountID uint64 `json:"account_id,omitempty"`

	Progress  float64 `json:"progress"`
	ResultURL string  `json:"result_url,omitempty"`
	ErrorText string  `json:"error_text,omitempty"`
	LastEvent string  `json:"last_event,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal сообщает, что задача больше не будет исполняться.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCanceled
}
