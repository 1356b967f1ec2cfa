package main

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// kvFSM is the smallest possible demo FSM: commands are "key\x00value"
// pairs applied to an in-memory map. It exists only so cmd/raftd has
// something concrete to replicate; real users of pkg/raft supply their own.
type kvFSM struct {
	mu    sync.Mutex
	state map[string]string
}

func (f *kvFSM) Apply(index, term uint64, command []byte) any {
	parts := bytes.SplitN(command, []byte{0}, 2)
	if len(parts) != 2 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[string(parts[0])] = string(parts[1])
	return nil
}

func (f *kvFSM) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *kvFSM) Restore(data []byte) error {
	state := map[string]string{}
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return nil
}
