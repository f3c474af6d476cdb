package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"legion/internal/logger"
)

// SinaQuoteSource 基于新浪行情接口 hq.sinajs.cn/list=sh600519。
// 返回 GBK 编码的 JS 变量定义，逐字段逗号分隔。
type SinaQuoteSource struct {
	baseURL string
	client  *http.Client
}

func NewSinaQuoteSource(base string, timeout time.Duration) *SinaQuoteSource {
	if base == "" {
		base = "https://hq.sinajs.cn"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SinaQuoteSource{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *SinaQuoteSource) Name() string { return "sina" }

func (s *SinaQuoteSource) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	code, err := exchangePrefixed(symbol)
	if err != nil {
		return Quote{}, err
	}
	url := fmt.Sprintf("%s/list=%s", s.baseURL, code)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	// 新浪要求 Referer，否则返回 403
	req.Header.Set("Referer", "https://finance.sina.com.cn")
	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warnf("行情请求失败 (%s): %v", symbol, err)
		return Quote{}, ErrDataUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warnf("行情返回状态码 %d (%s)", resp.StatusCode, symbol)
		return Quote{}, ErrDataUnavailable
	}
	body, err := io.ReadAll(transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder()))
	if err != nil {
		return Quote{}, ErrDataUnavailable
	}
	q, err := parseSinaPayload(symbol, string(body))
	if err != nil {
		logger.Warnf("行情解析失败 (%s): %v", symbol, err)
		return Quote{}, ErrDataUnavailable
	}
	return q, nil
}

// exchangePrefixed 把六位代码映射为交易所前缀形态：
// 6/5/9 开头上交所，0/2/3 开头深交所，4/8 开头北交所。
func exchangePrefixed(symbol string) (string, error) {
	if len(symbol) != 6 {
		return "", fmt.Errorf("非法证券代码: %q", symbol)
	}
	switch symbol[0] {
	case '6', '5', '9':
		return "sh" + symbol, nil
	case '0', '2', '3', '1':
		return "sz" + symbol, nil
	case '4', '8':
		return "bj" + symbol, nil
	}
	return "", fmt.Errorf("无法识别交易所: %q", symbol)
}

// parseSinaPayload 解析 var hq_str_sh600519="贵州茅台,open,prev_close,price,..." 形态。
// 字段序：0 名称，1 今开，2 昨收，3 现价，4 最高，5 最低，8 成交量(股)，30 日期，31 时间。
func parseSinaPayload(symbol, payload string) (Quote, error) {
	start := strings.Index(payload, `"`)
	end := strings.LastIndex(payload, `"`)
	if start < 0 || end <= start {
		return Quote{}, fmt.Errorf("载荷缺少引号包裹")
	}
	fields := strings.Split(payload[start+1:end], ",")
	if len(fields) < 32 {
		return Quote{}, fmt.Errorf("字段不足: %d", len(fields))
	}
	price, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Quote{}, fmt.Errorf("现价非法: %q", fields[3])
	}
	prevClose, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Quote{}, fmt.Errorf("昨收非法: %q", fields[2])
	}
	volume, _ := strconv.ParseInt(fields[8], 10, 64)
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", fields[30]+" "+fields[31], time.Local)
	if err != nil {
		ts = time.Now()
	}
	if prevClose <= 0 {
		// 停牌/新股首日等场景：昨收缺失必须显式暴露
		return Quote{}, fmt.Errorf("昨收缺失")
	}
	return Quote{
		Symbol:    symbol,
		Price:     price,
		PrevClose: prevClose,
		Volume:    volume,
		Timestamp: ts,
	}, nil
}
