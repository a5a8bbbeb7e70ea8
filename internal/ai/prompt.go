// Copyright 2025 James Ross
package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const systemInstruction = "Ты валидатор автозапчастей. Отвечай ТОЛЬКО одним JSON объектом " +
	"с полями passed_ids (массив строк) и rejected (массив объектов с id и reason). " +
	"НЕ копируй входные данные объявлений в ответ. Верни только своё решение."

// BuildPrompt renders the validation prompt for one articulum and its
// surviving listings.
func BuildPrompt(articulum string, items []Listing, useImages bool) string {
	payload, _ := json.Marshal(items)

	var b strings.Builder
	fmt.Fprintf(&b, "Ты эксперт по валидации автозапчастей с Авито. Твоя задача - отсеивать неоригинальные запчасти и подделки.\n\n")
	fmt.Fprintf(&b, "АРТИКУЛ ДЛЯ ПРОВЕРКИ: %q\n", articulum)
	fmt.Fprintf(&b, "(у запчасти может быть несколько артикулов, главное - чтобы %q входил в их число)\n\n", articulum)
	fmt.Fprintf(&b, "ОБЪЯВЛЕНИЯ:\n%s\n\n", payload)
	b.WriteString(`СТРОГИЕ КРИТЕРИИ ОТКЛОНЕНИЯ (REJECT):

1. НЕОРИГИНАЛЬНЫЕ ЗАПЧАСТИ: явное указание на аналог, копию, реплику,
   имитацию; фразы "неоригинальный", "аналог оригинала", "китайская копия",
   "aftermarket", "заменитель"; сторонние бренды-производители (не OEM);
   фразы "качество как оригинал", "не уступает оригиналу".
2. ПОДДЕЛКИ: подозрительно низкая цена относительно рынка оригинала;
   признаки подделки в описании; отсутствие оригинальной упаковки/маркировки.
3. НЕСООТВЕТСТВИЕ АРТИКУЛУ: запчасть явно не соответствует артикулу `)
	fmt.Fprintf(&b, "%q.\n\n", articulum)
	b.WriteString(`КРИТЕРИИ ПРИНЯТИЯ (PASS): явная оригинальность (OEM), бренд оригинального
производителя, рыночная цена оригинала, артикул присутствует, нет признаков
подделки.

ВАЖНО: при малейших сомнениях в оригинальности - ОТКЛОНЯЙ объявление.
`)
	if useImages {
		b.WriteString("\nК объявлениям приложены фотографии; учитывай их при оценке оригинальности.\n")
	}
	b.WriteString(`
ВЕРНИ JSON объект:
{
  "passed_ids": ["id1", "id2"],
  "rejected": [
    {"id": "id3", "reason": "Неоригинальная запчасть - указан аналог"}
  ]
}
`)
	return b.String()
}

// chatMessage is the OpenAI-compatible wire shape shared by the HTTP
// providers.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// buildChatMessages assembles the message array for an OpenAI-compatible
// endpoint, attaching up to maxImagesPerListing photos per listing in
// multimodal mode.
func buildChatMessages(prompt string, items []Listing, useImages bool, maxImagesPerListing int) []chatMessage {
	system := chatMessage{Role: "system", Content: systemInstruction}
	if !useImages {
		return []chatMessage{system, {Role: "user", Content: prompt}}
	}

	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, it := range items {
		imgs := it.Images
		if maxImagesPerListing > 0 && len(imgs) > maxImagesPerListing {
			imgs = imgs[:maxImagesPerListing]
		}
		for _, img := range imgs {
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
				},
			})
		}
	}
	return []chatMessage{system, {Role: "user", Content: parts}}
}
