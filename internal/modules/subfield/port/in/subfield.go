package in

import (
	"context"

	"subfield/internal/modules/subfield/dto"
)

type Usecase interface {
	Run(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	WaitForPeers(ctx context.Context) error
	Status(ctx context.Context) (dto.StatusOutput, error)
	Keygen(ctx context.Context) (dto.KeygenOutput, error)

	Ping(ctx context.Context, peer string) (dto.PingOutput, error)
	Echo(ctx context.Context, key dto.KeyInput, message string) (string, error)
	GetRecord(ctx context.Context, key dto.KeyInput) (dto.RecordOutput, error)
	PutRecord(ctx context.Context, key dto.KeyInput, body []byte) (dto.PutOutput, error)
	DeleteRecord(ctx context.Context, key dto.KeyInput) (dto.DeleteOutput, error)
	Scan(ctx context.Context, prefix string, limit int) ([]dto.ScanEntryOutput, error)
	Subscribe(ctx context.Context, key dto.KeyInput, emit func(dto.EventOutput) error) error
	Unsubscribe(ctx context.Context, key dto.KeyInput) (int, error)
}
