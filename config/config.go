// Package config loads the configuration of the gpuvm tool from TOML files.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
)

// Config is the configuration of a simulated device and the tools around it.
type Config struct {
	LogLevel string `toml:"log_level"`

	Device   Device   `toml:"device"`
	Sync     Sync     `toml:"sync"`
	Workload Workload `toml:"workload"`
	Monitor  Monitor  `toml:"monitor"`
	Record   Record   `toml:"record"`
}

// Device describes the simulated GPU.
type Device struct {
	Name            string `toml:"name"`
	Chip            string `toml:"chip"`
	BigPageSize     uint64 `toml:"big_page_size"`
	PageTableMemory uint64 `toml:"page_table_memory"`
	ComptagLines    uint64 `toml:"comptag_lines"`

	// Silicon selects bounded hardware polling. Simulated targets poll
	// until the hardware answers.
	Silicon bool `toml:"silicon"`
}

// Budget is a polling budget.
type Budget struct {
	Retries uint64        `toml:"retries"`
	Delay   time.Duration `toml:"delay"`
}

// Sync holds the polling budgets of the hardware maintenance operations.
// A zero budget keeps the hardware default.
type Sync struct {
	FBFlush       Budget `toml:"fb_flush"`
	L2Invalidate  Budget `toml:"l2_invalidate"`
	L2Flush       Budget `toml:"l2_flush"`
	TLBInvalidate Budget `toml:"tlb_invalidate"`
	CBCClear      Budget `toml:"cbc_clear"`
	FixedUnmap    Budget `toml:"fixed_unmap"`
}

// Workload describes the stress workload of the CLI.
type Workload struct {
	AddressSpaces int    `toml:"address_spaces"`
	Workers       int    `toml:"workers"`
	Operations    int    `toml:"operations"`
	MaxBufferSize uint64 `toml:"max_buffer_size"`
	Seed          int64  `toml:"seed"`
}

// Monitor configures the HTTP monitor.
type Monitor struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Record configures the SQLite trace recording.
type Record struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Device: Device{
			Name:            "gpu0",
			Chip:            "gm20b",
			PageTableMemory: 64 << 20,
			ComptagLines:    1024,
			Silicon:         true,
		},
		Workload: Workload{
			AddressSpaces: 2,
			Workers:       4,
			Operations:    1000,
			MaxBufferSize: 1 << 20,
			Seed:          1,
		},
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config file %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %q: unknown key %s",
			path, undecoded[0])
	}

	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}

	return c, nil
}

// Validate checks the configuration for values no device can use.
func (c *Config) Validate() error {
	_, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	ch, err := chip.ByName(c.Device.Chip)
	if err != nil {
		return err
	}

	if c.Device.BigPageSize != 0 &&
		!chip.SupportsBigPageSize(ch, c.Device.BigPageSize) {
		return fmt.Errorf("big page size %#x on %s: %w",
			c.Device.BigPageSize, ch.Name(), vm.ErrUnsupportedPageSize)
	}

	if c.Device.PageTableMemory == 0 {
		return fmt.Errorf("page table memory: %w", vm.ErrInvalidArgument)
	}

	if c.Device.ComptagLines < 2 {
		return fmt.Errorf("comptag lines %d: %w",
			c.Device.ComptagLines, vm.ErrInvalidArgument)
	}

	w := c.Workload
	if w.AddressSpaces <= 0 || w.Workers <= 0 || w.Operations < 0 {
		return fmt.Errorf("workload %+v: %w", w, vm.ErrInvalidArgument)
	}

	if w.MaxBufferSize < vm.SmallPageSize {
		return fmt.Errorf("max buffer size %#x: %w",
			w.MaxBufferSize, vm.ErrInvalidArgument)
	}

	return nil
}

// Level returns the log level. It must only be called on a validated
// configuration.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		panic(err)
	}

	return level
}

// Chip returns the configured chip. It must only be called on a validated
// configuration.
func (c *Config) Chip() chip.Chip {
	ch, err := chip.ByName(c.Device.Chip)
	if err != nil {
		panic(err)
	}

	return ch
}

func (b Budget) or(def hwsync.Budget) hwsync.Budget {
	if b.Retries == 0 {
		return def
	}

	return hwsync.Budget{Retries: b.Retries, Delay: b.Delay}
}

// Budgets returns the polling budgets of the hardware sync unit.
func (c *Config) Budgets() hwsync.Budgets {
	def := hwsync.DefaultBudgets()

	return hwsync.Budgets{
		FBFlush:       c.Sync.FBFlush.or(def.FBFlush),
		L2Invalidate:  c.Sync.L2Invalidate.or(def.L2Invalidate),
		L2Flush:       c.Sync.L2Flush.or(def.L2Flush),
		TLBInvalidate: c.Sync.TLBInvalidate.or(def.TLBInvalidate),
		CBCClear:      c.Sync.CBCClear.or(def.CBCClear),
	}
}

// FixedUnmapBudget returns the fixed unmap budget, or ok false when the
// configuration keeps the default.
func (c *Config) FixedUnmapBudget() (hwsync.Budget, bool) {
	if c.Sync.FixedUnmap.Retries == 0 {
		return hwsync.Budget{}, false
	}

	return hwsync.Budget{
		Retries: c.Sync.FixedUnmap.Retries,
		Delay:   c.Sync.FixedUnmap.Delay,
	}, true
}
