package protect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"
)

const journalPrefix = "protect:"

// Journal persists undo commands so that a restarted daemon can reverse
// protections left behind by a crashed one.
type Journal struct {
	db *buntdb.DB
}

// OpenJournal opens (or creates) the journal at path; ":memory:" keeps it in
// memory only.
func OpenJournal(path string) (*Journal, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func journalKey(pid int) string {
	return journalPrefix + strconv.Itoa(pid)
}

// Append adds cmds to the entry for pid.
func (j *Journal) Append(pid int, cmds []Command) error {
	return j.db.Update(func(tx *buntdb.Tx) error {
		key := journalKey(pid)
		var existing []Command
		val, err := tx.Get(key)
		if err == nil {
			err = json.Unmarshal([]byte(val), &existing)
			if err != nil {
				return fmt.Errorf("decoding entry %s: %w", key, err)
			}
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		data, err := json.Marshal(append(existing, cmds...))
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(data), nil)
		return err
	})
}

// Delete removes the entry for pid, if any.
func (j *Journal) Delete(pid int) error {
	err := j.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(journalKey(pid))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// Entries returns every journaled pid and its commands.
func (j *Journal) Entries() (map[int][]Command, error) {
	entries := map[int][]Command{}
	err := j.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(journalPrefix+"*", func(key, value string) bool {
			pid, err := strconv.Atoi(strings.TrimPrefix(key, journalPrefix))
			if err != nil {
				iterErr = fmt.Errorf("bad journal key %s: %w", key, err)
				return false
			}
			var cmds []Command
			err = json.Unmarshal([]byte(value), &cmds)
			if err != nil {
				iterErr = fmt.Errorf("decoding entry %s: %w", key, err)
				return false
			}
			entries[pid] = cmds
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
