// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/logging"
	turn "github.com/pion/returnd"
	"gopkg.in/yaml.v3"
)

// userStore holds the integrity keys of the users file. It is read by the
// server's auth handler and replaced whenever the file changes.
type userStore struct {
	path  string
	realm string
	mode  turn.AuthMode
	log   logging.LeveledLogger

	mu   sync.RWMutex
	keys map[string][]byte
}

func newUserStore(path, realm string, mode turn.AuthMode, log logging.LeveledLogger) (*userStore, error) {
	u := &userStore{
		path:  filepath.Clean(path),
		realm: realm,
		mode:  mode,
		log:   log,
		keys:  map[string][]byte{},
	}

	return u, u.load()
}

// load replaces the keys with the contents of the users file, a YAML mapping
// of username to password.
func (u *userStore) load() error {
	b, err := os.ReadFile(u.path)
	if err != nil {
		return err
	}
	users := map[string]string{}
	if err = yaml.Unmarshal(b, &users); err != nil {
		return err
	}

	keys := make(map[string][]byte, len(users))
	for username, password := range users {
		if u.mode == turn.AuthModeShortTerm {
			keys[username] = []byte(password)
		} else {
			keys[username] = turn.GenerateAuthKey(username, u.realm, password)
		}
	}

	u.mu.Lock()
	u.keys = keys
	u.mu.Unlock()
	u.log.Infof("Loaded %d users from %s", len(keys), u.path)

	return nil
}

func (u *userStore) authHandler(username, _ string, _ net.Addr) ([]byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	key, ok := u.keys[username]

	return key, ok
}

// watch reloads the users file when it changes. The directory is watched
// so editors that replace the file are picked up too. Closing the returned
// io.Closer stops watching.
func (u *userStore) watch() (io.Closer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(filepath.Dir(u.path)); err != nil {
		_ = watcher.Close()

		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != u.path ||
					event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := u.load(); err != nil {
					u.log.Warnf("Keeping previous users, reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				u.log.Warnf("Users file watcher: %v", err)
			}
		}
	}()

	return watcher, nil
}
