package model

import "time"

type UploadedFile struct {
	ID          string    `json:"fileId"`
	Name        string    `json:"fileName"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
