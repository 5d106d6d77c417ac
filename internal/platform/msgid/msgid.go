// Package msgid issues locally unique, time-ordered message ids.
package msgid

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sony/sonyflake"
	"golang.org/x/crypto/blake2b"

	"tok-chat/go-backend/pkg/models"
)

// Epoch is the sonyflake start time shared by every client.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Generator struct {
	sf        *sonyflake.Sonyflake
	machineID uint16
}

// New derives the machine part of every id from the local public key.
func New(localKey string) (*Generator, error) {
	machine := MachineID(localKey)
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: Epoch,
		MachineID: func() (uint16, error) { return machine, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("msgid: %w", err)
	}
	return &Generator{sf: sf, machineID: machine}, nil
}

func (g *Generator) NextID() (int64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, fmt.Errorf("msgid: %w", err)
	}
	return int64(id), nil
}

func (g *Generator) MachineID() uint16 { return g.machineID }

func MachineID(localKey string) uint16 {
	sum := blake2b.Sum256([]byte(models.NormalizeKey(localKey)))
	return binary.BigEndian.Uint16(sum[:2])
}

// Time returns the issue time encoded in id.
func Time(id int64) time.Time {
	if id <= 0 {
		return time.Time{}
	}
	return Epoch.Add(sonyflake.ElapsedTime(uint64(id))).UTC()
}
