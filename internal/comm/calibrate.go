package comm

import (
	"github.com/botcomm/botcomm/internal/protocol"
)

// SelectIndex moves the calibration cursor.
func (m *Manager) SelectIndex(displayIndex int) error {
	if err := m.table.Select(displayIndex); err != nil {
		return err
	}
	m.events.Publish(Event{Type: EventTable, Data: m.table.Snapshot()})
	return nil
}

// UpdateSelected edits the selected entry locally and sends the edit to the
// device. The local edit stands even when the send fails.
func (m *Manager) UpdateSelected(left, right int) error {
	cmd, err := m.table.EditSelected(left, right)
	if err != nil {
		return err
	}
	m.events.Publish(Event{Type: EventTable, Data: m.table.Snapshot()})
	return m.Send(cmd)
}

// LoadTable asks the device for its working table. The dump arrives through
// the receive loop.
func (m *Manager) LoadTable() error {
	if err := m.Send(protocol.CmdLoadTable); err != nil {
		return err
	}
	m.table.MarkClean()
	return nil
}

// SaveTable asks the device to persist its working table.
func (m *Manager) SaveTable() error {
	if err := m.Send(protocol.CmdSaveTable); err != nil {
		return err
	}
	m.table.MarkClean()
	return nil
}

// RunSelected drives both tracks at the selected speed index.
func (m *Manager) RunSelected() error {
	return m.Send(protocol.Run(m.table.Selected()))
}

// Stop halts both tracks.
func (m *Manager) Stop() error {
	return m.Send(protocol.CmdStop)
}
