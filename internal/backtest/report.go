package backtest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderReport 把对比资金曲线渲染为单页 HTML。
func RenderReport(result Result, w io.Writer) error {
	if len(result.Curves) == 0 {
		return fmt.Errorf("回测结果为空，无法渲染")
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("%s 回测对比", result.Symbol),
			Width:     "1200px",
			Height:    "560px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s 资金曲线对比", result.Symbol),
			Subtitle: fmt.Sprintf("%s ~ %s  初始资金 %.0f  跑赢分钟 %d",
				result.From.Format("2006-01-02"), result.To.Format("2006-01-02"),
				result.InitialCapital, len(result.AlphaMinutes)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)

	axis := timeAxis(result.Curves)
	line.SetXAxis(axis)
	for _, curve := range result.Curves {
		data := make([]opts.LineData, 0, len(curve.Points))
		for _, p := range curve.Points {
			data = append(data, opts.LineData{Value: p.Equity})
		}
		name := fmt.Sprintf("%s (%.2f%%)", curve.Tag, curve.Return*100)
		line.AddSeries(name, data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line.Render(w)
}

// WriteReportFile 渲染到指定路径，目录不存在时创建。
func WriteReportFile(result Result, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return RenderReport(result, f)
}

func timeAxis(curves []Curve) []string {
	longest := curves[0]
	for _, c := range curves[1:] {
		if len(c.Points) > len(longest.Points) {
			longest = c
		}
	}
	axis := make([]string, 0, len(longest.Points))
	for _, p := range longest.Points {
		axis = append(axis, p.Time.Format("01-02 15:04"))
	}
	return axis
}
