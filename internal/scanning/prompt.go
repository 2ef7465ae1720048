package scanning

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are reading a photographed receipt. It may be in Korean, Russian, English or a mix. Carefully read all text in the image and extract:

1. **Date**: the transaction date, converted to YYYY-MM-DD.
2. **Amount**: the final total paid, as a whole number with no currency symbol or separators (e.g. 15000 for "15,000원").
3. **Merchant**: the store or business name, usually at the top.
4. **Raw text**: every line of text you can read, top to bottom, separated by newlines.
5. **Multiple currencies**: true if the receipt shows amounts in more than one currency, otherwise false.

Return ONLY valid JSON in this exact format:
{
  "date": "YYYY-MM-DD",
  "amount": 0,
  "merchant": "Store Name",
  "rawText": "...",
  "hasMultipleCurrency": false
}

Important:
- If you cannot find a field, use null for that field
- Do not guess a date that is not printed on the receipt
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// systemPrompt frames the model for providers that take a system message
const systemPrompt = "You are an expert at reading and extracting information from receipts and invoices. You must carefully read all text in images and extract accurate information."
