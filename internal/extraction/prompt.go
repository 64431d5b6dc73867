// internal/extraction/prompt.go
package extraction

import (
	"strconv"
	"strings"
)

// FactRequest parameterises one interpretation of an artifact.
type FactRequest struct {
	Age1         int
	Age2         int
	CurrencyRate float64
}

// SystemPrompt builds the instruction sent ahead of the document text. The
// reply format it asks for is what ParseReply understands.
func SystemPrompt(req FactRequest) string {
	rate := strconv.FormatFloat(req.CurrencyRate, 'f', -1, 64)
	age1 := strconv.Itoa(req.Age1)
	age2 := strconv.Itoa(req.Age2)

	var b strings.Builder
	b.WriteString("首先幫我在第1頁的資料表中找出第一項基本計劃的投保時每年保費的數值")
	b.WriteString("如果找到的數值是美元,就要使用" + rate + "匯率轉為港元, 答案就顯示美元及港元 **USDxxxxxx** 及 **HKDxxxxxx**")
	b.WriteString("再幫我在「基本計劃 – 退保價值之説明摘要 」表格中找出@ANB" + age1 + "保單年度終結和@ANB" + age2 + "保單年度終結的「退保價值總額(A) + (B) +(C)」的數值,")
	b.WriteString("如果找到的數值是美元,就要使用" + rate + "匯率轉為港元, 答案就顯示美元及港元")
	b.WriteString("答案要儘量簡單直接輸出兩句, 不要隔行:'" + age1 + "歲的「款項提取後的退保價值總額是 **USDxxxxxx** 及 **HKDxxxxxx**'")
	b.WriteString("'" + age2 + "歲的「款項提取後的退保價值總額是 **USDxxxxxx** 及 **HKDxxxxxx**',")
	b.WriteString("答案要使用點格式")
	b.WriteString("數值前面要加上2個*號及HKD, 更加要有','作為貨幣模式")
	b.WriteString("最后答案用要講出答案是從哪一頁找到")
	return b.String()
}
