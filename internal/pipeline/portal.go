// internal/pipeline/portal.go
package pipeline

import "github.com/xkilldash9x/quoteflow/internal/browser"

// Portal pages shared by every variant.
var (
	locLoginLink     = browser.XPath("/html/body/div/header/div[1]/div[1]/div[1]/a[3]")
	locAdvisorEntry  = browser.XPath("/html/body/div/header/div[1]/div[5]/div/div[2]/div/a[2]")
	locUsername      = browser.Name("username")
	locPassword      = browser.Name("password")
	locSubmit        = browser.XPath(`//*[@id="submit"]`)
	locLoginNotice   = browser.CSS(".title")
	locMarketing     = browser.XPath(`//*[@id="wrapper"]/div[2]/div/ul/li[1]/div/span`)
	locProposalEntry = browser.XPath(`//*[@id="wrapper"]/div[2]/div/ul/li[1]/ul/li[11]/div/span`)
	locStartProposal = browser.XPath("/html/body/div[2]/div[3]/div/div[3]/div[2]/div/div[1]/button")

	locSurname         = browser.Name("form.fla.surName")
	locGivenName       = browser.Name("form.fla.firstName")
	locGenderMale      = browser.XPath(`//*[@id="root"]/div/div[3]/div[1]/div[12]/div/div/label[1]/span[2]`)
	locGenderFemale    = browser.XPath(`//*[@id="root"]/div/div[3]/div[1]/div[12]/div/div/label[2]/span[2]`)
	locNonSmoker       = browser.XPath(`//*[@id="root"]/div/div[3]/div[1]/div[14]/div/div/label[1]/span[2]`)
	locSmoker          = browser.XPath(`//*[@id="root"]/div/div[3]/div[1]/div[14]/div/div/label[2]/span[2]`)
	locEntryAge        = browser.Name("form.fla.anb")
	locNationality     = browser.Name("form.fla.nationality")
	locNationalityWrap = browser.XPath("//*[@name='form.fla.nationality']/parent::div")
	locNationalityHK   = browser.XPath("//*[contains(@class, 'MuiMenu-list')]//*[contains(text(), '香港')]")
)

// loginBlockedNotice is shown instead of the dashboard when the advisor has not
// signed in to the mobile app first.
const loginBlockedNotice = "請持續使用"

// Progress messages the caller's UI keys on.
const (
	MsgClickIntercepted = "Click intercepted, attempting JavaScript click..."
	MsgJSClickOK        = "JS Click successful"
	MsgElementMissing   = "Element not found or not clickable within timeout"
	MsgLoginRequired    = "請先登入PRUForce"
	MsgNotionalRefilled = "notionalAmount filled"
)
