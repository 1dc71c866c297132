package profile

// Built-in profile names.
const (
	GmailCompose = "gmail-compose"
	URLMessage   = "url-message"
)

// Builtins returns fresh copies of the built-in profiles.
func Builtins() map[string]Profile {
	return map[string]Profile{
		GmailCompose: {
			Name:            GmailCompose,
			AddressTemplate: `https://mail.google.com/mail/?view=cm&fs=1&to={{urlquery .Item}}`,
			Selectors: map[string]string{
				"subject": `input[name="subjectbox"]`,
				"body":    `div[aria-label="Message Body"]`,
				"send":    `div[role="button"][data-tooltip^="Send"]`,
			},
			Ready: `(() => !!document.querySelector({{json (index .Sel "subject")}}) &&
  !!document.querySelector({{json (index .Sel "body")}}))()`,
			Fill: `(() => {
  const subject = document.querySelector({{json (index .Sel "subject")}});
  const body = document.querySelector({{json (index .Sel "body")}});
  if (!subject || !body) return false;
  subject.focus();
  subject.value = {{json .Subject}};
  subject.dispatchEvent(new Event("input", { bubbles: true }));
  body.focus();
  body.innerHTML = {{json .Message}};
  body.dispatchEvent(new Event("input", { bubbles: true }));
  return true;
})()`,
			Submit: `(() => {
  const send = document.querySelector({{json (index .Sel "send")}});
  if (!send) return false;
  send.click();
  return true;
})()`,
			LabelFrom:   LabelSubject,
			HTMLMessage: true,
		},
		URLMessage: {
			Name:            URLMessage,
			AddressTemplate: `{{.Item}}`,
			Selectors: map[string]string{
				"message": `textarea, [contenteditable="true"]`,
				"send":    `button[type="submit"]`,
			},
			Ready: `(() => !!document.querySelector({{json (index .Sel "message")}}))()`,
			Fill: `(() => {
  const box = document.querySelector({{json (index .Sel "message")}});
  if (!box) return false;
  box.focus();
  if ("value" in box) { box.value = {{json .Message}}; } else { box.textContent = {{json .Message}}; }
  box.dispatchEvent(new Event("input", { bubbles: true }));
  return true;
})()`,
			Submit: `(() => {
  const send = document.querySelector({{json (index .Sel "send")}});
  if (!send || send.disabled) return false;
  send.click();
  return true;
})()`,
			LabelFrom: LabelMessage,
		},
	}
}
