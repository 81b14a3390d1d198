package protocol

import (
	"fmt"
	"strings"
)

func requireString(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	return nil
}

func (m *Join) Validate() error {
	if err := requireString("swarmHash", m.SwarmHash); err != nil {
		return err
	}
	return requireString("userId", m.UserID)
}

func (m *Joined) Validate() error {
	if err := requireString("swarmHash", m.SwarmHash); err != nil {
		return err
	}
	return requireString("userId", m.UserID)
}

func (m *Presence) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	if m.Action != PresenceJoin && m.Action != PresenceLeave {
		return fmt.Errorf("%w: action=%q", ErrInvalidField, m.Action)
	}
	return nil
}

func (m *Peers) Validate() error { return nil }

func (m *TimePing) Validate() error { return nil }

func (m *TimePong) Validate() error { return nil }

func (m *Heartbeat) Validate() error { return nil }

func (m *DirectorAssert) Validate() error { return requireString("userId", m.UserID) }

func (m *DirectorTake) Validate() error { return requireString("userId", m.UserID) }

func (m *DirectorResign) Validate() error { return requireString("userId", m.UserID) }

func (e Entry) Validate() error {
	if err := requireString("id", e.ID); err != nil {
		return err
	}
	if e.Version == 0 {
		return fmt.Errorf("%w: entry %q version=0", ErrInvalidField, e.ID)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: entry %q size=%d", ErrInvalidField, e.ID, e.Size)
	}
	return nil
}

func (m *FileDigest) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	for _, item := range m.Items {
		if err := requireString("items.id", item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *FileWant) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	if err := requireString("target", m.Target); err != nil {
		return err
	}
	if len(m.IDs) > MaxBatch {
		return fmt.Errorf("%w: want ids=%d", ErrBatchTooLarge, len(m.IDs))
	}
	return nil
}

func (m *FileEntries) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	if len(m.Entries) > MaxBatch {
		return fmt.Errorf("%w: entries=%d", ErrBatchTooLarge, len(m.Entries))
	}
	for _, e := range m.Entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m *FileAnnounce) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	return m.Entry.Validate()
}

func (m *FileRevoke) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	if err := m.Entry.Validate(); err != nil {
		return err
	}
	if !m.Entry.Tombstone {
		return fmt.Errorf("%w: revoke of %q without tombstone", ErrInvalidField, m.Entry.ID)
	}
	return nil
}

func (m *Play) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	if err := requireString("fileId", m.ObjectID); err != nil {
		return err
	}
	if m.GlobalStartMs <= 0 {
		return fmt.Errorf("%w: startAt=%d", ErrInvalidField, m.GlobalStartMs)
	}
	return nil
}

func (m *Stop) Validate() error { return requireString("userId", m.UserID) }

func (m *SelectFile) Validate() error {
	if err := requireString("userId", m.UserID); err != nil {
		return err
	}
	return requireString("fileId", m.ObjectID)
}
