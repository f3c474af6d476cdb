package market

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const calendarDateLayout = "2006-01-02"

// Calendar 持有静态休市日配置。节假日属于配置而非推算。
type Calendar struct {
	holidays map[string]struct{}
}

func NewCalendar(holidays []string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		t, err := time.Parse(calendarDateLayout, h)
		if err != nil {
			return nil, fmt.Errorf("market: invalid holiday date %q: %w", h, err)
		}
		c.holidays[t.Format(calendarDateLayout)] = struct{}{}
	}
	return c, nil
}

type calendarFile struct {
	Holidays []string `yaml:"holidays"`
}

// LoadCalendar 从 YAML 文件读取休市日列表（holidays: [2026-01-01, ...]）。
func LoadCalendar(path string) (*Calendar, error) {
	if path == "" {
		return NewCalendar(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("market: read calendar: %w", err)
	}
	var f calendarFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("market: parse calendar: %w", err)
	}
	return NewCalendar(f.Holidays)
}

func (c *Calendar) IsHoliday(d time.Time) bool {
	_, ok := c.holidays[d.Format(calendarDateLayout)]
	return ok
}

func (c *Calendar) IsTradingDay(d time.Time) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(d)
}
