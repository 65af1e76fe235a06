// Package gsdml provides the two read-only module-list sources the AR
// manager's connection-discovery pipeline consults (spec §4.7): a local
// GSDML XML cache, and an HTTP fallback against the device's own REST
// slot listing. Both are 10-second-bounded and cancellable via context.
package gsdml

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/profile"
)

// MaxCacheFileBytes is the hard cap on a GSDML cache file (spec §6).
const MaxCacheFileBytes = 1 << 20

// FetchTimeout bounds both the cache parse and the HTTP fallback (spec §4.7).
const FetchTimeout = 10 * time.Second

// Module is a discovered (slot, subslot, module_ident, submodule_ident)
// tuple, the common currency of every module-list source.
type Module struct {
	Slot           uint16
	Subslot        uint16
	ModuleIdent    uint32
	SubmoduleIdent uint32
}

// dapModule is prepended to every module list this package returns
// (spec §4.4, §4.7: "DAP triplet is auto-prepended").
var dapModule = Module{Slot: 0, Subslot: 0x8000, ModuleIdent: profile.DAPModuleIdent, SubmoduleIdent: profile.DAPSubmoduleIdent}

// moduleIdentPattern captures an optional explicit Slot number (written
// by writeCacheXML when the module list came from a real device, e.g.
// via FetchSlotsHTTP) along with the required module/submodule ident
// pair. The literal cache-file grammar (spec §6) carries no slot number
// of its own; when one isn't present in the file, LoadModules assigns
// sequential synthetic slots starting at 1 so that two or more modules
// never collide at (slot=0, subslot=0) with each other or with the
// DAP entry.
var moduleIdentPattern = regexp.MustCompile(`(?s)<Module(?:\s+Slot="(\d+)")?[^>]*ModuleIdentNumber="(0x[0-9A-Fa-f]+)".*?SubmoduleIdentNumber="(0x[0-9A-Fa-f]+)"`)

// Cache resolves a station's cached GSDML file into a module list.
type Cache struct {
	dir     string
	watcher *fsnotify.Watcher
}

// NewCache opens dir as the GSDML cache directory and starts an fsnotify
// watch on it. LoadModules always re-reads from disk on its own, so the
// watch exists purely so a caller (see controller.gsdmlEventLoop) can
// be notified when a station's cache file changes and react — e.g. by
// reconnecting an already-running device with the refreshed module
// list.
func NewCache(dir string) (*Cache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gsdml: create cache watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("gsdml: watch cache dir %q: %w", dir, err)
	}
	return &Cache{dir: dir, watcher: watcher}, nil
}

// Close stops the cache directory watch.
func (c *Cache) Close() error {
	return c.watcher.Close()
}

// Events exposes the underlying fsnotify channel so a caller can log or
// react to cache-directory invalidation.
func (c *Cache) Events() <-chan fsnotify.Event {
	return c.watcher.Events
}

// LoadModules parses ${dir}/{station}.xml into a module list, or returns
// (nil, nil) if no cache file exists for station (spec §4.7:
// "Option<ModuleList>" — absence is not an error).
func (c *Cache) LoadModules(ctx context.Context, station string) ([]Module, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	path := fmt.Sprintf("%s/%s.xml", c.dir, station)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", pnio.ErrIO, path, err)
	}
	if info.Size() > MaxCacheFileBytes {
		return nil, fmt.Errorf("%w: %q is %d bytes, exceeds %d byte cap", pnio.ErrInvalidParam, path, info.Size(), MaxCacheFileBytes)
	}

	data, err := readFileWithContext(ctx, path)
	if err != nil {
		return nil, err
	}

	modules := []Module{dapModule}
	nextSlot := uint16(1)
	matches := moduleIdentPattern.FindAllSubmatch(data, -1)
	for _, m := range matches {
		moduleIdent, err1 := strconv.ParseUint(string(m[2]), 0, 32)
		submoduleIdent, err2 := strconv.ParseUint(string(m[3]), 0, 32)
		if err1 != nil || err2 != nil {
			logger.WithDevice(station).Warn("gsdml: skipping unparseable module entry", zap.String("raw", string(m[0])))
			continue
		}

		slot := nextSlot
		if len(m[1]) > 0 {
			if explicit, err := strconv.ParseUint(string(m[1]), 10, 16); err == nil {
				slot = uint16(explicit)
			}
		}
		nextSlot++

		modules = append(modules, Module{Slot: slot, Subslot: 1, ModuleIdent: uint32(moduleIdent), SubmoduleIdent: uint32(submoduleIdent)})
	}
	return modules, nil
}

func readFileWithContext(ctx context.Context, path string) ([]byte, error) {
	done := make(chan struct{})
	var data []byte
	var err error
	go func() {
		data, err = os.ReadFile(path)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: read %q: %v", pnio.ErrTimeout, path, ctx.Err())
	case <-done:
		return data, err
	}
}

// httpSlot mirrors one entry of the /api/v1/slots JSON schema (spec §6).
type httpSlot struct {
	Slot           uint16 `json:"slot"`
	Subslot        uint16 `json:"subslot"`
	ModuleIdent    uint32 `json:"module_ident"`
	SubmoduleIdent uint32 `json:"submodule_ident"`
	Direction      string `json:"direction"`
	DataSize       uint16 `json:"data_size"`
}

type httpSlotsResponse struct {
	SlotCount int        `json:"slot_count"`
	Slots     []httpSlot `json:"slots"`
}

// FetchSlotsHTTP issues GET /api/v1/slots against the device's HTTP port
// and parses the response into a module list (spec §4.7, §6).
func FetchSlotsHTTP(ctx context.Context, ip netip.Addr, port uint16) ([]Module, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/v1/slots", ip, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", pnio.ErrInvalidParam, url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", pnio.ErrIO, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", pnio.ErrIO, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxCacheFileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body from %s: %v", pnio.ErrIO, url, err)
	}

	var parsed httpSlotsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode slots JSON from %s: %v", pnio.ErrProtocol, url, err)
	}

	modules := make([]Module, 0, len(parsed.Slots)+1)
	modules = append(modules, dapModule)
	for _, s := range parsed.Slots {
		modules = append(modules, Module{
			Slot:           s.Slot,
			Subslot:        s.Subslot,
			ModuleIdent:    s.ModuleIdent,
			SubmoduleIdent: s.SubmoduleIdent,
		})
	}
	return modules, nil
}

// ScheduledFetcher runs a best-effort background GSDML HTTP fetch per
// spec §4.4 step 5 ("schedule an HTTP fetch... best-effort"), writing
// successful fetches back into the cache directory for next time.
type ScheduledFetcher struct {
	cron *cron.Cron
	dir  string
}

// NewScheduledFetcher builds a fetcher that writes into dir; call Start
// to begin running.
func NewScheduledFetcher(dir string) *ScheduledFetcher {
	return &ScheduledFetcher{cron: cron.New(), dir: dir}
}

// ScheduleFetch registers a best-effort background fetch for (station,
// ip, port) on a one-minute cadence; the entry removes itself the first
// time the fetch succeeds, so it runs at most until the cache is warm.
func (f *ScheduledFetcher) ScheduleFetch(station string, ip netip.Addr, port uint16) error {
	var entryID cron.EntryID
	id, err := f.cron.AddFunc("@every 1m", func() {
		modules, err := FetchSlotsHTTP(context.Background(), ip, port)
		if err != nil {
			logger.WithDevice(station).Warn("gsdml: scheduled HTTP fetch failed", zap.Error(err))
			return
		}
		if err := writeCacheXML(f.dir, station, modules); err != nil {
			logger.WithDevice(station).Warn("gsdml: writing fetched GSDML to cache failed", zap.Error(err))
			return
		}
		f.cron.Remove(entryID)
	})
	entryID = id
	if err != nil {
		return fmt.Errorf("gsdml: schedule fetch for %q: %w", station, err)
	}
	return nil
}

// Start begins running scheduled fetches.
func (f *ScheduledFetcher) Start() { f.cron.Start() }

// Stop cancels the scheduler, waiting for any in-flight fetch to finish.
func (f *ScheduledFetcher) Stop() { <-f.cron.Stop().Done() }

func writeCacheXML(dir, station string, modules []Module) error {
	path := fmt.Sprintf("%s/%s.xml", dir, station)
	var xml []byte
	xml = append(xml, []byte("<DeviceProfile>\n")...)
	for _, m := range modules {
		if m == dapModule {
			continue
		}
		xml = append(xml, []byte(fmt.Sprintf("  <Module Slot=\"%d\" ModuleIdentNumber=\"0x%08X\"><Submodule SubmoduleIdentNumber=\"0x%08X\"/></Module>\n", m.Slot, m.ModuleIdent, m.SubmoduleIdent))...)
	}
	xml = append(xml, []byte("</DeviceProfile>\n")...)
	return os.WriteFile(path, xml, 0o644)
}
