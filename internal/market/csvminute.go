package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CSVMinuteSource 从本地目录读取分钟 K 线：
// {dir}/{symbol}/{2006-01-02}.csv，列为 time,open,high,low,close,volume，
// time 为 HH:MM。导出自任意行情终端即可回测，无需在线拉取。
type CSVMinuteSource struct {
	dir string
}

func NewCSVMinuteSource(dir string) *CSVMinuteSource {
	return &CSVMinuteSource{dir: dir}
}

func (s *CSVMinuteSource) MinuteBars(_ context.Context, symbol string, day time.Time) ([]MinuteBar, error) {
	path := filepath.Join(s.dir, symbol, day.Format("2006-01-02")+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	bars := make([]MinuteBar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%s 第 %d 行列数不足", path, i+1)
		}
		if i == 0 && strings.EqualFold(row[0], "time") {
			continue // 表头
		}
		bar, err := parseMinuteRow(day, row)
		if err != nil {
			return nil, fmt.Errorf("%s 第 %d 行: %w", path, i+1, err)
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func parseMinuteRow(day time.Time, row []string) (MinuteBar, error) {
	hm, err := time.Parse("15:04", strings.TrimSpace(row[0]))
	if err != nil {
		return MinuteBar{}, fmt.Errorf("time 非法: %q", row[0])
	}
	nums := make([]float64, 4)
	for i := 0; i < 4; i++ {
		nums[i], err = strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return MinuteBar{}, fmt.Errorf("第 %d 列非法: %q", i+2, row[i+1])
		}
	}
	vol, err := strconv.ParseInt(strings.TrimSpace(row[5]), 10, 64)
	if err != nil {
		return MinuteBar{}, fmt.Errorf("volume 非法: %q", row[5])
	}
	return MinuteBar{
		Time: time.Date(day.Year(), day.Month(), day.Day(),
			hm.Hour(), hm.Minute(), 0, 0, time.Local),
		Open:   nums[0],
		High:   nums[1],
		Low:    nums[2],
		Close:  nums[3],
		Volume: vol,
	}, nil
}
