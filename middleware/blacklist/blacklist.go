// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blacklist

import (
	"bytes"
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

type blacklistedItem struct {
	Prefix string `yaml:"prefix"`
	IP     string `yaml:"ip"`
}

// NewBlacklist returns a middleware that filters payloads with blacklisted
// prefixes and uplinks from blacklisted radio peers. Lists are YAML files,
// which are reloaded when written, or http(s) URLs.
func NewBlacklist(lists ...string) (b *Blacklist, err error) {
	b = &Blacklist{
		log:      log.Get(),
		lists:    make(map[string][]blacklistedItem),
		ipLookup: make(map[string]bool),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.log.WithError(err).WithField("List", location).Warn("Could not add blacklist")
		}
	}
	b.FetchRemotes()
	go func() {
		for e := range b.watcher.Events {
			if e.Op&fsnotify.Write == fsnotify.Write {
				if err := b.read(e.Name); err != nil {
					b.log.WithError(err).WithField("List", e.Name).Warn("Could not reload blacklist")
				}
			}
		}
	}()
	return b, nil
}

// Blacklist middleware
type Blacklist struct {
	log     log.Interface
	watcher *fsnotify.Watcher
	urls    []string

	mu       sync.RWMutex
	lists    map[string][]blacklistedItem
	ipLookup map[string]bool
	prefixes [][]byte
}

// Name of the middleware
func (b *Blacklist) Name() string { return "blacklist" }

func (b *Blacklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		return b.addURL(url)
	}
	return errors.New("blacklist: unknown list type")
}

func (b *Blacklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

func (b *Blacklist) addURL(url *url.URL) error {
	b.urls = append(b.urls, url.String())
	return nil
}

// FetchRemotes fetches remote blacklists
func (b *Blacklist) FetchRemotes() error {
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil {
			b.log.WithError(err).WithField("List", url).Warn("Could not fetch blacklist")
		}
	}
	return nil
}

// Close the blacklist watcher
func (b *Blacklist) Close() {
	b.watcher.Close()
}

func (b *Blacklist) read(filename string) error {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.set(filename, contents)
}

func (b *Blacklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.set(location, body)
}

func (b *Blacklist) set(location string, contents []byte) error {
	var blacklist []blacklistedItem
	if err := yaml.Unmarshal(contents, &blacklist); err != nil {
		return err
	}
	b.mu.Lock()
	b.lists[location] = blacklist
	b.updateLookup()
	b.mu.Unlock()
	b.log.WithField("List", location).WithField("Items", len(blacklist)).Debug("Loaded blacklist")
	return nil
}

func (b *Blacklist) updateLookup() {
	var n int
	for _, blacklist := range b.lists {
		n += len(blacklist)
	}
	b.ipLookup = make(map[string]bool, n)
	b.prefixes = make([][]byte, 0, n)
	for _, blacklist := range b.lists {
		for _, item := range blacklist {
			if item.IP != "" {
				b.ipLookup[item.IP] = true
			}
			if item.Prefix != "" {
				b.prefixes = append(b.prefixes, []byte(item.Prefix))
			}
		}
	}
}

// Blacklist errors
var (
	ErrBlacklistedPayload = errors.New("blacklist: payload is blacklisted")
	ErrBlacklistedIP      = errors.New("blacklist: radio peer IP is blacklisted")
)

func (b *Blacklist) check(payload []byte, addr net.Addr) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, prefix := range b.prefixes {
		if bytes.HasPrefix(payload, prefix) {
			return ErrBlacklistedPayload
		}
	}
	if addr != nil {
		ip, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return err
		}
		if b.ipLookup[ip] {
			return ErrBlacklistedIP
		}
	}
	return nil
}

// HandleUplink blocks blacklisted uplink messages
func (b *Blacklist) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	return b.check(msg.Payload, msg.RadioAddr)
}

// HandleDownlink blocks blacklisted downlink messages
func (b *Blacklist) HandleDownlink(_ middleware.Context, msg *types.DownlinkMessage) error {
	return b.check(msg.Payload, nil)
}
